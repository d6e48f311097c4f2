package domain

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrPeerClosed       = errors.New("peer closed")
	ErrSendBufferFull   = errors.New("peer send buffer full")
)
