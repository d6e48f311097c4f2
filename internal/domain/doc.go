// Package domain defines the relay's wire vocabulary and contracts.
//
// message.go holds the inbound message variants (Identify, Command,
// Unrecognized) and the outbound replies, peer.go the connection contract the
// relay fans out to.
package domain
