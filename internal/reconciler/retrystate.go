package reconciler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perparb/funding-keeper/internal/util"
)

// lockTimeout bounds how long retry-state access will wait for the mutex.
// A hit means another component wedged while holding it; giving up beats
// deadlocking a supervisory loop.
const lockTimeout = 10 * time.Second

// retryState guards the single-leg retry counters and the filtered-symbol
// set. All access goes through the helper methods.
type retryState struct {
	mu       sync.Mutex
	retries  map[string]int
	filtered map[string]bool
	logger   *logrus.Entry
}

func newRetryState(logger *logrus.Entry) *retryState {
	return &retryState{
		retries:  make(map[string]int),
		filtered: make(map[string]bool),
		logger:   logger,
	}
}

// withLock runs fn under the mutex, giving up after lockTimeout. Returns
// false when the lock could not be taken.
func (r *retryState) withLock(op string, fn func()) bool {
	deadline := time.Now().Add(lockTimeout)
	for !r.mu.TryLock() {
		if time.Now().After(deadline) {
			r.logger.Errorf("retry-state lock timeout in %s, skipping", op)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer r.mu.Unlock()
	fn()
	return true
}

// isFiltered reports whether recovery for the symbol has been given up on.
func (r *retryState) isFiltered(symbol string) bool {
	var out bool
	r.withLock("isFiltered", func() {
		out = r.filtered[util.NormalizeSymbol(symbol)]
	})
	return out
}

// incrementAndCheck bumps the retry counter and reports whether the budget
// is exhausted.
func (r *retryState) incrementAndCheck(symbol string, max int) (count int, exhausted bool) {
	r.withLock("incrementAndCheck", func() {
		sym := util.NormalizeSymbol(symbol)
		r.retries[sym]++
		count = r.retries[sym]
		exhausted = count >= max
	})
	return count, exhausted
}

// clearOnSuccess resets the retry counter after a successful recovery.
func (r *retryState) clearOnSuccess(symbol string) {
	r.withLock("clearOnSuccess", func() {
		delete(r.retries, util.NormalizeSymbol(symbol))
	})
}

// addToFiltered marks the symbol as given up on.
func (r *retryState) addToFiltered(symbol string) {
	r.withLock("addToFiltered", func() {
		sym := util.NormalizeSymbol(symbol)
		r.filtered[sym] = true
		delete(r.retries, sym)
	})
}

// filteredSymbols returns the filtered set for diagnostics.
func (r *retryState) filteredSymbols() []string {
	var out []string
	r.withLock("filteredSymbols", func() {
		for sym := range r.filtered {
			out = append(out, sym)
		}
	})
	return out
}
