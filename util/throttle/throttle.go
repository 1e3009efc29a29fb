// Package throttle rate-limits repeated failed login attempts against a
// single principal (spec §4.2: brute-force probing of a login/secret pair
// should not resolve any faster than a legitimate attempt). Grounded on
// spilldb/db/auth.go's generic string-keyed throttle, narrowed here to the
// directory's actual key space -- an account id -- rather than a caller-
// formatted string, so directory.Gateway.VerifySecret no longer has to
// build and parse a synthetic "uid:%d" key just to satisfy a generic API.
package throttle

import (
	"sync"
	"time"
)

// AccountThrottle slows down repeated failed VerifySecret calls for one
// account id. The zero value is ready to use.
type AccountThrottle struct {
	mu       sync.Mutex
	attempts map[int64]attemptState
	cleaned  time.Time
}

type attemptState struct {
	last     time.Time
	failures int
}

const (
	throttleDelay  = 3 * time.Second
	throttleWindow = 60 * time.Second
	failureBuffer  = 10
)

// Delay blocks the caller for throttleDelay if accountID has accumulated
// at least failureBuffer recent failures (via Fail) within throttleDelay
// of now. It also opportunistically sweeps stale entries so a quiet
// account's state does not linger forever.
func (t *AccountThrottle) Delay(accountID int64) {
	now := timeNow()

	t.mu.Lock()
	if now.Sub(t.cleaned) > throttleWindow {
		for id, st := range t.attempts {
			if now.Sub(st.last) > throttleDelay {
				delete(t.attempts, id)
			}
		}
		t.cleaned = now
	}
	st := t.attempts[accountID]
	t.mu.Unlock()

	if st.failures >= failureBuffer && now.Sub(st.last) < throttleDelay {
		timeSleep(throttleDelay)
	}
}

// Fail records one failed verification attempt for accountID.
func (t *AccountThrottle) Fail(accountID int64) {
	t.mu.Lock()
	if t.attempts == nil {
		t.attempts = make(map[int64]attemptState)
	}
	st := t.attempts[accountID]
	st.last = timeNow()
	st.failures++
	t.attempts[accountID] = st
	t.mu.Unlock()
}

var timeSleep = time.Sleep
var timeNow = time.Now
