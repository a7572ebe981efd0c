package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Request layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrOutOfRange    = "E_OUT_OF_RANGE"
	ErrDisposed      = "E_DISPOSED"
	ErrLoadFailure   = "E_LOAD_FAILURE"
	ErrPoolExhausted = "E_POOL_EXHAUSTED"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrOutOfRange:      {},
	ErrDisposed:        {},
	ErrLoadFailure:     {},
	ErrPoolExhausted:   {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
