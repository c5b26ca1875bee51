package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	conn.state_changed    conn.StatusChange
//	conn.resumed          nil
//	message.upserted      map[string]string{conversation_id, msg_id}
//	message.send_failed   map[string]string{temp_id, error}
//	message.read          map[string]string{conversation_id, reader_id}
//	typing.changed        presence payload with conversation id and user list
//	history.fetch_failed  map[string]string{conversation_id, error}
//	queue.dropped         map[string]string{kind, conversation_id}
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
