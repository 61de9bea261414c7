package ws

import "errors"

// Command faults. Every error returned by a Gateway command wraps exactly one
// of these.
var (
	ErrInvalidURI = errors.New("invalid uri")
	ErrTLSConfig  = errors.New("tls config error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrBinaryUnsupported = errors.New("binary frames are not supported")
)

// Fault names as seen by the controller.
const (
	FaultInvalidURI = "InvalidURI"
	FaultTLSConfig  = "TLSConfigError"
	FaultNotFound   = "NotFound"
	FaultConflict   = "Conflict"
)

// FaultName maps a command error to its controller-facing fault name. Errors
// that are not command faults map to the empty string.
func FaultName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURI):
		return FaultInvalidURI
	case errors.Is(err, ErrTLSConfig):
		return FaultTLSConfig
	case errors.Is(err, ErrNotFound):
		return FaultNotFound
	case errors.Is(err, ErrConflict):
		return FaultConflict
	default:
		return ""
	}
}
