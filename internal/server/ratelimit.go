package server

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const visitorTTL = 10 * time.Minute

// FaucetLimiter rate limits faucet mints per address.
type FaucetLimiter struct {
	mu       sync.Mutex
	visitors map[common.Address]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// visitor tracks the rate limiter and last seen time for an address.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFaucetLimiter allows one mint per interval per address, with burst.
func NewFaucetLimiter(interval time.Duration, burst int) *FaucetLimiter {
	if burst < 1 {
		burst = 1
	}
	return &FaucetLimiter{
		visitors: make(map[common.Address]*visitor),
		limit:    rate.Every(interval),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether addr may mint now.
func (fl *FaucetLimiter) Allow(addr common.Address) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	v, ok := fl.visitors[addr]
	if !ok {
		fl.prune(now)
		v = &visitor{limiter: rate.NewLimiter(fl.limit, fl.burst)}
		fl.visitors[addr] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune drops visitors idle for longer than visitorTTL. Must hold fl.mu.
func (fl *FaucetLimiter) prune(now time.Time) {
	for addr, v := range fl.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(fl.visitors, addr)
		}
	}
}
