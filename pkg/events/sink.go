package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// EventSink receives events published during a run.
type EventSink interface {
	PublishEvent(event Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event) error

func (f SinkFunc) PublishEvent(e Event) error { return f(e) }

// NullSink drops every event.
type NullSink struct{}

func (NullSink) PublishEvent(Event) error { return nil }

// CollectingSink records events in publish order. Mostly useful in tests and the CLI.
type CollectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *CollectingSink) PublishEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (c *CollectingSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// OfType returns the recorded events of type t.
func (c *CollectingSink) OfType(t EventType) []Event {
	ret := []Event{}
	for _, e := range c.Events() {
		if e.Type() == t {
			ret = append(ret, e)
		}
	}
	return ret
}

// WatermillSink publishes JSON-encoded events to a watermill Publisher.
// Each message carries a per-sink sequence number in its metadata.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
	seq       atomic.Uint64
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (w *WatermillSink) PublishEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", event.Type())
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", w.seq.Add(1)-1))
	msg.Metadata.Set("event_type", string(event.Type()))
	if md := event.Metadata(); md.SessionID != "" {
		msg.Metadata.Set("session_id", md.SessionID)
	}
	return errors.Wrapf(w.publisher.Publish(w.topic, msg), "publish to %s", w.topic)
}

var (
	_ EventSink = NullSink{}
	_ EventSink = (*CollectingSink)(nil)
	_ EventSink = (*WatermillSink)(nil)
	_ EventSink = SinkFunc(nil)
)
