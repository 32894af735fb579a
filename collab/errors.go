package collab

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrDocumentClosed = errors.New("document closed")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNoHistory      = errors.New("no history")
	ErrUnknownNode    = errors.New("unknown history node")
	ErrAmbiguousRedo  = errors.New("ambiguous redo")
)

// TransportError wraps a publish or subscribe failure at the mesh boundary.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", self.Op, self.Topic, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// TimeoutError means all request attempts to a target lapsed without a response.
type TimeoutError struct {
	Target   string
	Attempts int
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf("no response from %s after %d attempts", self.Target, self.Attempts)
}

// ProtocolError means a peer sent an envelope we could not make sense of.
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", self.Reason)
}

// ApplicationError carries a remote-side failure back to the caller.
// The request reached the target and the target answered with an error.
type ApplicationError struct {
	Target   string
	Endpoint string
	Message  string
}

func (self *ApplicationError) Error() string {
	if self.Endpoint == "" {
		return fmt.Sprintf("%s: %s", self.Target, self.Message)
	}
	return fmt.Sprintf("%s %s: %s", self.Target, self.Endpoint, self.Message)
}
