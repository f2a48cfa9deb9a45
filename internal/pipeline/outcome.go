package pipeline

// Outcome is the result of a best-effort step: either a value or the
// reason the step was skipped. Best-effort failures travel as values so
// the pipeline's decision to continue is explicit at each call site.
type Outcome[T any] struct {
	value  T
	reason string
	ok     bool
}

// Ok wraps a successful value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{value: v, ok: true}
}

// Skipped records why a step produced nothing.
func Skipped[T any](reason string) Outcome[T] {
	return Outcome[T]{reason: reason}
}

// Get returns the value and whether the step succeeded.
func (o Outcome[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsOk reports whether the step succeeded.
func (o Outcome[T]) IsOk() bool {
	return o.ok
}

// Reason returns the skip reason, or "" on success.
func (o Outcome[T]) Reason() string {
	return o.reason
}
