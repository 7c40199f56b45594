package broker

import "github.com/pinata-labs/mqttd/internal/mqtt"

// CommandKind tags a Command with the handler the Coordinator should run.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdSubscribe
	CmdUnsubscribe
	CmdPublish
	CmdPuback
	CmdDisconnect
	CmdAbort
)

// Command is the envelope Readers (and, for CmdAbort, Writers) post to the
// Coordinator's single inbound queue. Only the fields relevant to Kind are
// populated.
type Command struct {
	Kind CommandKind
	// ConnID identifies the posting connection - the only thing a Reader
	// or Writer can name itself by before a ClientID even exists.
	ConnID uint64

	// CmdConnect
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Will         *Will

	// CmdSubscribe / CmdUnsubscribe / CmdPublish / CmdPuback
	PacketID    uint16
	Topics      []mqtt.Subscription
	UnsubTopics []string
	Frame       []byte
}
