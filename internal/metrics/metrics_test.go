package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.IntentEmitted("new_message")
	c.SubscriptionOpened("presence")
	c.SubscriptionClosed("presence")
	c.MalformedRecord("message")
	c.SinkFailed("sound")
	c.SnapshotPublished()
	c.SetState("connected", []string{"idle", "connected"})
}

func TestCollectorsRecord(t *testing.T) {
	c, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	c.IntentEmitted("new_message")
	c.IntentEmitted("new_message")
	c.SubscriptionOpened("presence")
	c.SubscriptionOpened("presence")
	c.SubscriptionClosed("presence")
	c.SetState("connected", []string{"idle", "connecting", "connected", "error"})

	if got := testutil.ToFloat64(c.Intents.WithLabelValues("new_message")); got != 2 {
		t.Errorf("intents = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Subscriptions.WithLabelValues("presence")); got != 1 {
		t.Errorf("presence subscriptions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.State.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.State.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle gauge = %v, want 0", got)
	}
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Error("second New() on the same registry should fail")
	}
}
