package tunserver

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("%w: ...") at call sites so
// callers can classify via errors.Is.
var (
	ErrListen             = errors.New("tunserver: listen")
	ErrAccept             = errors.New("tunserver: accept")
	ErrMalformedFrame     = errors.New("tunserver: malformed frame")
	ErrProtocolViolation  = errors.New("tunserver: protocol violation")
	ErrSessionPeerClosure = errors.New("tunserver: session closed by peer")
	ErrTransportLoss      = errors.New("tunserver: control channel lost")
	ErrContext            = errors.New("tunserver: context cancelled")
)
