package offline0

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were dropped in between. Store-write failures under quota pressure
// would otherwise log once per request.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
	log        zerolog.Logger
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, key, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	n := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	evt := l.log.Warn().Err(err).Str("key", key)
	if n > 0 {
		evt = evt.Int("suppressed", n)
	}
	evt.Msg(msg)
}
