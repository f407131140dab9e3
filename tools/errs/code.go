package errs

// Error codes for the sync core. Grouped by hundreds: 1xx auth, 2xx transport,
// 3xx caller mistakes, 4xx storage, 5xx internal reconciliation.
const (
	CodeAuth                = 101 // token rejected, fatal to the session
	CodeTokenExpired        = 102
	CodeNetwork             = 201 // transient transport failure, retried with backoff
	CodeChannelClosed       = 202
	CodeInvalidParticipants = 301 // programmer error, never retried
	CodeInvalidArgument     = 302
	CodeRecordExists        = 401
	CodeRecordNotFound      = 402
	CodeReconcileConflict   = 501 // resolved internally, never surfaced
	CodeStaleTimeout        = 502 // surfaced as a presence state change, not an error
)

var (
	ErrAuth                = NewCodeError(CodeAuth, "auth token rejected")
	ErrTokenExpired        = NewCodeError(CodeTokenExpired, "auth token expired")
	ErrNetwork             = NewCodeError(CodeNetwork, "network failure")
	ErrChannelClosed       = NewCodeError(CodeChannelClosed, "channel closed")
	ErrInvalidParticipants = NewCodeError(CodeInvalidParticipants, "invalid participant pair")
	ErrInvalidArgument     = NewCodeError(CodeInvalidArgument, "invalid argument")
	ErrRecordExists        = NewCodeError(CodeRecordExists, "record already exists")
	ErrRecordNotFound      = NewCodeError(CodeRecordNotFound, "record not found")
	ErrReconcileConflict   = NewCodeError(CodeReconcileConflict, "reconcile conflict")
	ErrStaleTimeout        = NewCodeError(CodeStaleTimeout, "stale data timeout")
)

// IsAuth reports whether err is fatal to the session (no retry, re-auth required).
func IsAuth(err error) bool {
	code := CodeOf(err)
	return code == CodeAuth || code == CodeTokenExpired
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeNetwork
}
