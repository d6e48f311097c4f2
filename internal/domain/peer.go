package domain

import "github.com/google/uuid"

// Peer is one live participant connection as seen by the relay.
// Send must not block: implementations queue the frame and report
// ErrSendBufferFull or ErrPeerClosed instead of waiting.
type Peer interface {
	ID() uuid.UUID
	Send(data []byte) error
	IsOpen() bool
}
