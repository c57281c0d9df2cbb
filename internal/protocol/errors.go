package protocol

import "errors"

var (
	// ErrCrypto reports a frame that failed authentication or decryption:
	// a wrong shared secret or a corrupted frame.
	ErrCrypto = errors.New("protocol: crypto fault")
	// ErrProtocol reports a malformed value, an unexpected tag or broken
	// operation/response alternation.
	ErrProtocol = errors.New("protocol: protocol fault")
	// ErrTransport reports a timeout, reset or closed connection.
	ErrTransport = errors.New("protocol: transport fault")
	// ErrIdentityRejected reports that the controller refused the claimed identity.
	ErrIdentityRejected = errors.New("protocol: identity rejected")
	// ErrChannelPoisoned is returned by every call on a channel after a fatal fault.
	ErrChannelPoisoned = errors.New("protocol: channel poisoned")
)

// IsChannelFatal reports whether err invalidates the whole connection.
func IsChannelFatal(err error) bool {
	return errors.Is(err, ErrCrypto) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrChannelPoisoned)
}

// FaultClass names the fault category of err for logs and metrics.
func FaultClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCrypto):
		return "crypto"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrIdentityRejected):
		return "identity"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrChannelPoisoned):
		return "poisoned"
	default:
		return "other"
	}
}
