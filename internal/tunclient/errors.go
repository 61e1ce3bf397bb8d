package tunclient

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("%w: ...") at call sites so
// callers can classify via errors.Is.
var (
	ErrDial                 = errors.New("tunclient: dial server")
	ErrMalformedFrame       = errors.New("tunclient: malformed frame")
	ErrSessionEstablishment = errors.New("tunclient: target dial failed")
	ErrSessionPeerClosure   = errors.New("tunclient: session closed by peer")
	ErrTransportLoss        = errors.New("tunclient: control channel lost")
)
