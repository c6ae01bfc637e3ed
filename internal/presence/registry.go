package presence

import "time"

// Registry keeps at most one live timer per key. Scheduling a key that already has a
// timer stops and replaces it.
//
// Registry is not safe for concurrent use. All calls, and every fired callback, run on
// the goroutine that owns it: fired timers hand their callback to dispatch, which must
// run it on that goroutine.
type Registry[K comparable] struct {
	clock    Clock
	dispatch func(func())
	timers   map[K]*entry
	gen      uint64
}

type entry struct {
	timer Timer
	gen   uint64
}

// NewRegistry creates a Registry. dispatch posts a fired callback back to the owning
// goroutine; pass a direct call when the clock already fires on it (ManualClock).
func NewRegistry[K comparable](clock Clock, dispatch func(func())) *Registry[K] {
	if clock == nil {
		clock = RealClock{}
	}
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	return &Registry[K]{
		clock:    clock,
		dispatch: dispatch,
		timers:   make(map[K]*entry),
	}
}

// Schedule (re)starts the timer for key. fn runs once after d unless the key is
// cancelled or rescheduled first.
func (r *Registry[K]) Schedule(key K, d time.Duration, fn func()) {
	r.Cancel(key)

	r.gen++
	e := &entry{gen: r.gen}
	r.timers[key] = e

	gen := e.gen
	e.timer = r.clock.AfterFunc(d, func() {
		r.dispatch(func() {
			// A stopped timer can still fire if it raced with Stop; the
			// generation check drops it.
			cur, ok := r.timers[key]
			if !ok || cur.gen != gen {
				return
			}
			delete(r.timers, key)
			fn()
		})
	})
}

// Cancel stops the timer for key, if any. It reports whether one was live.
func (r *Registry[K]) Cancel(key K) bool {
	e, ok := r.timers[key]
	if !ok {
		return false
	}
	delete(r.timers, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// Active reports whether key has a live timer.
func (r *Registry[K]) Active(key K) bool {
	_, ok := r.timers[key]
	return ok
}

// Len returns the number of live timers.
func (r *Registry[K]) Len() int {
	return len(r.timers)
}

// CancelAll stops every live timer.
func (r *Registry[K]) CancelAll() {
	for key := range r.timers {
		r.Cancel(key)
	}
}
