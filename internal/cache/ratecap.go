package cache

import (
	"sync"
	"time"

	"github.com/willf/bloom"
)

// WriteCapTracker flags users who have exceeded a daily write-byte budget,
// so the pipeline can reject further writes with ErrTooBusy without
// re-summing storage on every request. It rotates two bloom filters on a
// fixed half-life the same way web/hawkHandler.go rotates
// bloomPrev/bloomNow for nonce replay detection: once a user is marked
// over-cap, membership in either filter is enough to short-circuit.
//
// False positives are acceptable here (a user occasionally rejected one
// write cycle early). The tracker is the only write-rate check; storage
// quota limits bytes stored, not bytes written.
type WriteCapTracker struct {
	mu         sync.Mutex
	bloomPrev  *bloom.BloomFilter
	bloomNow   *bloom.BloomFilter
	halflife   time.Duration
	lastRotate time.Time

	budgetBytes int64
	used        map[int64]int64
}

// NewWriteCapTracker constructs a tracker enforcing budgetBytes of writes
// per user per rotation window. budgetBytes<=0 disables the cap (Record
// always reports ok=true).
func NewWriteCapTracker(budgetBytes int64, halflife time.Duration) *WriteCapTracker {
	const m = uint(1 << 20) // 1M bits, ~128KB per filter
	return &WriteCapTracker{
		bloomPrev:   bloom.New(m, 5),
		bloomNow:    bloom.New(m, 5),
		halflife:    halflife,
		lastRotate:  time.Now(),
		budgetBytes: budgetBytes,
		used:        make(map[int64]int64),
	}
}

func (t *WriteCapTracker) rotateIfDue() {
	if time.Since(t.lastRotate) < t.halflife {
		return
	}
	t.bloomPrev = t.bloomNow
	t.bloomNow = bloom.New(uint(1<<20), 5)
	t.used = make(map[int64]int64)
	t.lastRotate = time.Now()
}

func keyBytes(userID int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(userID >> (8 * i))
	}
	return b
}

// Flagged reports whether userID was already marked over-cap in the
// current or previous window, without charging any bytes.
func (t *WriteCapTracker) Flagged(userID int64) bool {
	if t.budgetBytes <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateIfDue()

	k := keyBytes(userID)
	return t.bloomNow.Test(k) || t.bloomPrev.Test(k)
}

// Record charges addedBytes against userID's window budget and reports
// whether the write should proceed (ok=false means the cap is exceeded and
// the user has been flagged for the remainder of the window).
func (t *WriteCapTracker) Record(userID int64, addedBytes int64) (ok bool) {
	if t.budgetBytes <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateIfDue()

	k := keyBytes(userID)
	if t.bloomNow.Test(k) || t.bloomPrev.Test(k) {
		return false
	}

	t.used[userID] += addedBytes
	if t.used[userID] > t.budgetBytes {
		t.bloomNow.Add(k)
		return false
	}
	return true
}
