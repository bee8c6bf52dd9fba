package events

import (
	"testing"
	"time"
)

func TestEmitterDelivers(t *testing.T) {
	bus := NewBus()

	sub, err := bus.Subscribe(new(EvtResourceAdded))
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	em := NewEmitter(bus, new(EvtResourceAdded))
	defer em.Close()

	em.Emit(EvtResourceAdded{Key: "k", Type: "core"})

	select {
	case e := <-sub.Out():
		added := e.(EvtResourceAdded)
		if added.Key != "k" || added.Type != "core" {
			t.Errorf("event = %+v", added)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNilBusEmitter(t *testing.T) {
	em := NewEmitter(nil, new(EvtReconciled))
	em.Emit(EvtReconciled{})
	if err := em.Close(); err != nil {
		t.Errorf("Close on a nil emitter = %v", err)
	}
}
