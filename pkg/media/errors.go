package media

// ErrorReason is the coarse classification attached to a session Error state.
type ErrorReason string

const (
	ReasonLoadFailed     ErrorReason = "load_failed"
	ReasonSourceNotFound ErrorReason = "source_not_found"
	ReasonUnauthorized   ErrorReason = "unauthorized"
	ReasonNetwork        ErrorReason = "network"
	ReasonEngineFailed   ErrorReason = "engine_failed"
)

// PlaybackError is the typed error surfaced by the session's Error state.
// It is scoped to a single item; the queue and other items stay intact.
type PlaybackError struct {
	Reason  ErrorReason
	ItemRef string
	Err     error
}

func (e *PlaybackError) Error() string {
	msg := string(e.Reason)
	if e.ItemRef != "" {
		msg += " (" + e.ItemRef + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}
