package events

import (
	"errors"
	"testing"
)

func TestDispatchCallsRegisteredHandlersInOrder(t *testing.T) {
	bus := NewBus(nil)
	var called []string

	bus.Register(HandlerFunc{Name: "first", Fn: func(e Event) error {
		called = append(called, "first")
		return nil
	}})
	bus.Register(HandlerFunc{Name: "second", Fn: func(e Event) error {
		called = append(called, "second")
		return nil
	}})

	bus.Dispatch(New(TypeBecameLeader, "locks/foo", nil))

	if len(called) != 2 || called[0] != "first" || called[1] != "second" {
		t.Fatalf("expected [first second], got %v", called)
	}
}

func TestDispatchContinuesAfterHandlerError(t *testing.T) {
	bus := NewBus(nil)
	secondRan := false

	bus.Register(HandlerFunc{Name: "broken", Fn: func(e Event) error {
		return errors.New("boom")
	}})
	bus.Register(HandlerFunc{Name: "ok", Fn: func(e Event) error {
		secondRan = true
		return nil
	}})

	bus.Dispatch(New(TypeLostLeader, "locks/foo", nil))

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler's error")
	}
}

func TestUnregisterRemovesHandler(t *testing.T) {
	bus := NewBus(nil)
	ran := false
	bus.Register(HandlerFunc{Name: "h", Fn: func(e Event) error {
		ran = true
		return nil
	}})

	if !bus.Unregister("h") {
		t.Fatal("expected Unregister to find the handler")
	}
	bus.Dispatch(New(TypeMeshNodeJoined, "node-1", nil))

	if ran {
		t.Fatal("expected unregistered handler not to run")
	}
}

func TestJetStreamEnabledReflectsAttach(t *testing.T) {
	bus := NewBus(nil)
	if bus.JetStreamEnabled() {
		t.Fatal("expected JetStream disabled before Attach")
	}
	bus.Attach(nil)
	if bus.JetStreamEnabled() {
		t.Fatal("attaching a nil context should not enable JetStream")
	}
}

func TestSubjectForTypeUsesDomainPrefixes(t *testing.T) {
	cases := map[Type]string{
		TypeBecameLeader:        "coordination.BecameLeader",
		TypeSrpcClientConnected: "srpc.SrpcClientConnected",
		TypeMigrationWritten:    "schema.MigrationWritten",
	}
	for typ, want := range cases {
		if got := SubjectForType(typ); got != want {
			t.Fatalf("SubjectForType(%s) = %q, want %q", typ, got, want)
		}
	}
}

func TestNewEventMarshalsData(t *testing.T) {
	e := New(TypeMeshNodeLeft, "node-2", map[string]int{"generation": 3})
	if len(e.Data) == 0 {
		t.Fatal("expected non-empty Data")
	}
}
