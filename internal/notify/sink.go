package notify

import (
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Notifier delivers notification intents to the user.
type Notifier interface {
	Emit(Intent) error
}

// Sound plays the sent/received cues.
type Sound interface {
	PlaySent() error
	PlayReceived() error
}

// BusNotifier publishes intents on the bus under "notify.<kind>".
type BusNotifier struct {
	Bus *bus.Bus
}

func (n BusNotifier) Emit(in Intent) error {
	n.Bus.Publish(bus.Event{Kind: "notify." + string(in.Kind), Timestamp: time.Now(), Payload: in})
	return nil
}

// BusSound publishes sound cues on the bus.
type BusSound struct {
	Bus *bus.Bus
}

func (s BusSound) PlaySent() error {
	s.Bus.Publish(bus.Event{Kind: bus.KindSoundSent, Timestamp: time.Now()})
	return nil
}

func (s BusSound) PlayReceived() error {
	s.Bus.Publish(bus.Event{Kind: bus.KindSoundReceived, Timestamp: time.Now()})
	return nil
}

// LogNotifier writes intents to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Emit(in Intent) error {
	n.Logger.Info("notification",
		zap.String("kind", string(in.Kind)),
		zap.String("conversation_id", in.ConversationID),
		zap.String("sender", in.SenderName),
		zap.String("name", in.Name),
	)
	return nil
}

// Multi fans an intent out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Emit(in Intent) error {
	var errs []error
	for _, n := range m {
		if err := n.Emit(in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
