package p2p

import "errors"

var (
	ErrNilHost         = errors.New("p2p: nil host")
	ErrNilPeer         = errors.New("p2p: nil peer")
	ErrNotConnected    = errors.New("p2p: not connected")
	ErrBusy            = errors.New("p2p: connect or disconnect in progress")
	ErrInvalidEndpoint = errors.New("p2p: invalid peer endpoint")
	ErrQueueFull       = errors.New("p2p: send queue full")
	ErrProtocol        = errors.New("p2p: protocol mismatch")
)
