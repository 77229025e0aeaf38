package domain

import "errors"

var (
	// ErrClosed is returned when sending to a connection that is not open.
	ErrClosed = errors.New("connection closed")
	// ErrBackpressure is returned when a connection's outbound queue is full.
	ErrBackpressure = errors.New("outbound queue full")
	// ErrShuttingDown is returned when the registry no longer accepts connections.
	ErrShuttingDown = errors.New("relay is shutting down")
	// ErrHandshake marks a rejected WebSocket upgrade.
	ErrHandshake = errors.New("websocket handshake failed")
)
