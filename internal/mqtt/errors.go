package mqtt

import "errors"

// Error taxonomy for the packet codec and connection state machine.
// See spec §7 for how callers should react to each kind.
var (
	// ErrMalformedLength is returned when a remaining-length field requires a
	// fifth continuation byte.
	ErrMalformedLength = errors.New("mqtt: malformed remaining length")

	// ErrMalformedPacket covers any other structurally invalid packet: bad
	// UTF-8 length prefixes, a body shorter than its declared fields imply.
	ErrMalformedPacket = errors.New("mqtt: malformed packet")

	// ErrProtocolViolation covers a wrong protocol name/level, or any
	// non-CONNECT packet arriving before CONNECT.
	ErrProtocolViolation = errors.New("mqtt: protocol violation")

	// ErrIdentifierRejected covers an empty client ID paired with a
	// persistent session request.
	ErrIdentifierRejected = errors.New("mqtt: identifier rejected")

	// ErrAuthFailure covers a missing or incorrect username/password.
	ErrAuthFailure = errors.New("mqtt: authentication failure")
)
