// Package store provides the broker's two durable surfaces: the
// retained-message table (reloaded at startup so a restart doesn't
// lose the last-known value on any topic) and an append-only
// connection/session event log (operator-only, the broker itself
// never reads it back). Neither client sessions, subscriptions, nor
// in-flight QoS-1 state survive a restart - that is a deliberate
// scope boundary, not an oversight.
package store

// Store is the broker's durability interface.
type Store interface {
	// PutRetained durably records the retained message on topic,
	// overwriting any previous value.
	PutRetained(topic string, msg *RetainedMessage) error

	// DeleteRetained removes the retained message on topic, if any.
	// Called when a zero-payload retained PUBLISH clears a topic.
	DeleteRetained(topic string) error

	// LoadAllRetained returns every retained message known to the
	// store, keyed by topic. Called once at startup to repopulate the
	// in-memory retained table.
	LoadAllRetained() (map[string]*RetainedMessage, error)

	// LogEvent appends a record to the connection/session event log.
	LogEvent(event *Event) error

	// Close releases the underlying storage handle.
	Close() error
}

// RetainedMessage is the durable shape of a retained PUBLISH.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Event is one line of the connection/session event log: a record of
// something happening to a client, for operator diagnosis only. The
// broker never queries this back into its own behavior.
type Event struct {
	Sequence     uint64
	ClientID     string
	ConnectionID uint64
	Kind         string // "connect", "session_takeover", "disconnect", "abort", "will_published"
	Detail       string
}
