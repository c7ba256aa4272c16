package model

// OutcomeKind distinguishes a good answer from a safe fallback and from a
// failure the caller must surface.
type OutcomeKind int

const (
	KindOk OutcomeKind = iota
	KindDegraded
	KindFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindDegraded:
		return "degraded"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of an agent call.
type Outcome[T any] struct {
	Kind   OutcomeKind
	Value  T
	Reason string
	Err    error
}

// Ok wraps a successful value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindOk, Value: v}
}

// Degraded wraps a fallback value and why it was used.
func Degraded[T any](v T, reason string) Outcome[T] {
	return Outcome[T]{Kind: KindDegraded, Value: v, Reason: reason}
}

// Fatal wraps an error the caller cannot recover from.
func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindFatal, Err: err, Reason: err.Error()}
}

// IsFatal reports whether the outcome carries an unrecoverable error.
func (o Outcome[T]) IsFatal() bool { return o.Kind == KindFatal }

// IsDegraded reports whether the value is a fallback.
func (o Outcome[T]) IsDegraded() bool { return o.Kind == KindDegraded }
