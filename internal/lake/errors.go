package lake

import "errors"

// Error taxonomy shared across the lake. Components wrap these sentinels
// with fmt.Errorf("...: %w", ...) so callers can classify with errors.Is
// while still seeing the full context in the message.
var (
	// Input errors.
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrMissingStart    = errors.New("start timestamp required")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnknownSymbol   = errors.New("unknown symbol")

	// Transient errors.
	ErrRateLimited    = errors.New("rate limited")
	ErrNetworkTimeout = errors.New("network timeout")
	ErrBanned         = errors.New("banned by exchange")

	// Integrity errors.
	ErrDataIntegrity    = errors.New("data integrity check failed")
	ErrCorruptExisting  = errors.New("existing partition unreadable")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// Lifecycle errors.
	ErrAlreadyRunning = errors.New("task already running")
	ErrCancelled      = errors.New("cancelled")
	ErrNotFound       = errors.New("not found")
)
