package connection

import "errors"

var (
	// ErrNotConnected is returned by Send while the connection is not open.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrSend wraps transport failures while writing a frame.
	ErrSend = errors.New("connection: send failed")
	// ErrAlreadyConnected is returned by Connect when a session is open or being dialed.
	ErrAlreadyConnected = errors.New("connection: already connected")
	// ErrClosed is the close cause passed to hooks after Close.
	ErrClosed = errors.New("connection: closed")
	// ErrGaveUp is returned by Supervisor.Run once MaxAttempts consecutive dials failed.
	ErrGaveUp = errors.New("connection: gave up reconnecting")
	// ErrReconnectDisabled is returned by Supervisor.Reconnect when the policy never redials.
	ErrReconnectDisabled = errors.New("connection: reconnect disabled")
)
