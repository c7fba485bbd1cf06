package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const (
	// StreamCoordinationEvents carries leader and mesh lifecycle events.
	StreamCoordinationEvents = "COORDINATION_EVENTS"

	// StreamSrpcEvents carries SRPC connection lifecycle events.
	StreamSrpcEvents = "SRPC_EVENTS"

	// StreamSchemaEvents carries schema migration events.
	StreamSchemaEvents = "SCHEMA_EVENTS"

	SubjectCoordinationPrefix = "coordination."
	SubjectSrpcPrefix         = "srpc."
	SubjectSchemaPrefix       = "schema."
)

func marshalEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// SubjectForType returns the NATS subject an event of the given type is
// published under.
func SubjectForType(typ Type) string {
	switch typ {
	case TypeSrpcClientConnected, TypeSrpcClientDisconnect:
		return SubjectSrpcPrefix + string(typ)
	case TypeMigrationWritten:
		return SubjectSchemaPrefix + string(typ)
	default:
		return SubjectCoordinationPrefix + string(typ)
	}
}

// EnsureStreams creates the JetStream streams this package publishes to, if
// they don't already exist. Call once during startup when JetStream is
// enabled; a no-op for any stream that already exists.
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []struct {
		name    string
		subject string
	}{
		{StreamCoordinationEvents, SubjectCoordinationPrefix + ">"},
		{StreamSrpcEvents, SubjectSrpcPrefix + ">"},
		{StreamSchemaEvents, SubjectSchemaPrefix + ">"},
	}

	for _, s := range streams {
		if _, err := js.StreamInfo(s.name); err == nil {
			continue
		}
		_, err := js.AddStream(&nats.StreamConfig{
			Name:     s.name,
			Subjects: []string{s.subject},
			Storage:  nats.FileStorage,
			MaxMsgs:  10000,
			MaxBytes: 100 << 20,
		})
		if err != nil {
			return fmt.Errorf("create %s stream: %w", s.name, err)
		}
	}
	return nil
}
