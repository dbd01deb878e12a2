package trade

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleBucket is how long an account's bucket survives without requests.
const idleBucket = time.Minute

// AccountLimiter throttles order placement per account with one token
// bucket each. Buckets idle for a minute are dropped.
type AccountLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewAccountLimiter allows perSecond orders per account, with bursts of up
// to burst.
func NewAccountLimiter(perSecond float64, burst int) *AccountLimiter {
	return &AccountLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether accountID may place an order now, spending a token
// if so.
func (l *AccountLimiter) Allow(accountID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	b, ok := l.buckets[accountID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[accountID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *AccountLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleBucket {
		return
	}
	for id, b := range l.buckets {
		if now.Sub(b.seen) >= idleBucket {
			delete(l.buckets, id)
		}
	}
	l.lastSweep = now
}

func (l *AccountLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
