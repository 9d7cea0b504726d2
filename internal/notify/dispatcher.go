package notify

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// Dispatcher forwards intents and sound cues to the sinks. Sink errors and
// panics are logged and swallowed; they never reach the caller.
type Dispatcher struct {
	notifier Notifier
	sound    Sound
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. notifier and sound may be nil.
func NewDispatcher(notifier Notifier, sound Sound, m *metrics.Collectors, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{notifier: notifier, sound: sound, metrics: m, logger: logger}
}

// Emit delivers in to the notifier.
func (d *Dispatcher) Emit(in Intent) {
	d.metrics.IntentEmitted(string(in.Kind))
	if d.notifier == nil {
		return
	}
	if err := d.guard(func() error { return d.notifier.Emit(in) }); err != nil {
		d.metrics.SinkFailed("notifier")
		d.logger.Error("notification sink failed", zap.Error(err), zap.String("kind", string(in.Kind)))
	}
}

func (d *Dispatcher) PlayReceived() {
	d.play("received", func(s Sound) error { return s.PlayReceived() })
}

func (d *Dispatcher) PlaySent() {
	d.play("sent", func(s Sound) error { return s.PlaySent() })
}

func (d *Dispatcher) play(cue string, fn func(Sound) error) {
	if d.sound == nil {
		return
	}
	if err := d.guard(func() error { return fn(d.sound) }); err != nil {
		d.metrics.SinkFailed("sound")
		d.logger.Error("sound sink failed", zap.Error(err), zap.String("cue", cue))
	}
}

func (d *Dispatcher) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
