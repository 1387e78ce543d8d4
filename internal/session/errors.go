package session

import (
	"errors"
	"time"

	"github.com/RoanBrand/speedwatch/internal/model"
)

// ErrNotReady is returned when publishing before the session is connected and subscribed.
var ErrNotReady = errors.New("session not ready: not connected and subscribed")

// TransportError wraps failures of the underlying connection: refused, reset, DNS and write errors.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FramingError means the inbound byte stream could not be split into packets.
// The connection is dropped when it occurs.
type FramingError struct {
	ControlType uint8
	Err         error
}

func (e *FramingError) Error() string {
	return "framing error in " + model.TypeName(e.ControlType) + " packet: " + e.Err.Error()
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// ProtocolTimeout means the broker did not answer CONNECT or SUBSCRIBE in time.
type ProtocolTimeout struct {
	Awaiting string
	After    time.Duration
}

func (e *ProtocolTimeout) Error() string {
	return "no " + e.Awaiting + " from broker after " + e.After.String()
}
