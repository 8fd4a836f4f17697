package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
)

func TestPublisher_SendsJSONKeyedByFacility(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != TypeFacilitySynced || ev.FacilityID != "f-1" || ev.IndexID != "rw" {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		if ev.TS.IsZero() {
			return fmt.Errorf("timestamp not set")
		}
		return nil
	})

	p := newPublisher(prod, "facility-events", 4, nil)
	p.Publish(Event{Type: TypeFacilitySynced, IndexID: "rw", FacilityID: "f-1", Lat: -1.9, Lon: 30.1})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	// no drain loop, so the queue stays full
	p := &Publisher{
		topic:   "t",
		logger:  slog.Default(),
		events:  make(chan Event, 1),
		stopped: make(chan struct{}),
	}

	start := time.Now()
	p.Publish(Event{FacilityID: "a"})
	p.Publish(Event{FacilityID: "b"})
	if time.Since(start) > time.Second {
		t.Fatalf("publish blocked")
	}
	if got := len(p.events); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
}
