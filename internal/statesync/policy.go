package statesync

// AcceptancePolicy decides whether an externally sourced value (remote
// hydration or a sibling context's write) may replace the current local
// value. Rejection is not an error: the engine keeps the local value and
// re-pushes it.
type AcceptancePolicy[T any] interface {
	Accept(incoming, current T) bool
}

type acceptAll[T any] struct{}

func (acceptAll[T]) Accept(incoming, current T) bool {
	return true
}

func AcceptAll[T any]() AcceptancePolicy[T] {
	return acceptAll[T]{}
}

type PolicyFunc[T any] func(incoming, current T) bool

func (f PolicyFunc[T]) Accept(incoming, current T) bool {
	return f(incoming, current)
}

type rejectShrinking[E any] struct{}

func (rejectShrinking[E]) Accept(incoming, current []E) bool {
	return len(incoming) >= len(current)
}

// RejectShrinking guards slice-valued keyspaces against an external value
// that would drop elements, the usual symptom of a stale or partial read.
func RejectShrinking[E any]() AcceptancePolicy[[]E] {
	return rejectShrinking[E]{}
}
