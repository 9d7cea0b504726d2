package sync

// phase is the lifecycle of a tracked entity since its subscription opened.
type phase int

const (
	uninitialized phase = iota
	baseline
	known
)

func (p phase) String() string {
	switch p {
	case baseline:
		return "baseline"
	case known:
		return "known"
	default:
		return "uninitialized"
	}
}

// tracked holds the last observed value of an entity together with its phase.
// A fresh tracked value is created whenever the entity's subscription opens,
// so removing and re-adding an entity always starts from uninitialized.
type tracked[T any] struct {
	phase phase
	value T
}

// observe records v and returns the previous value. ok is false when v is
// the first value seen, i.e. it only establishes the baseline.
func (t *tracked[T]) observe(v T) (prev T, ok bool) {
	prev = t.value
	switch t.phase {
	case uninitialized:
		t.phase = baseline
		ok = false
	default:
		t.phase = known
		ok = true
	}
	t.value = v
	return prev, ok
}

// current returns the cached value, if any has been observed.
func (t *tracked[T]) current() (T, bool) {
	return t.value, t.phase != uninitialized
}
