package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/auditmarket-core/internal/core/port"
)

// EscrowLimits bounds escrow mutations inside a sliding window. A zero limit disables that scope.
type EscrowLimits struct {
	Window time.Duration
	// PerPrincipal counts every escrow mutation of one principal.
	PerPrincipal int
	// PerContractAction counts repeats of one action on one contract by one principal,
	// e.g. release of milestone 2 on contract c-1.
	PerContractAction int
}

// EscrowLimiter throttles escrow mutations, keyed by the authenticated principal.
type EscrowLimiter struct {
	store  port.RateLimitStore
	limits EscrowLimits
	logger *zap.Logger
	now    func() time.Time
}

type limitScope struct {
	key   string
	limit int
}

type windowState struct {
	limitScope
	count int
	reset time.Time
}

func (w windowState) blocked() bool {
	return w.count >= w.limit
}

func (w windowState) remaining() int {
	return max(w.limit-w.count, 0)
}

func NewEscrowLimiter(store port.RateLimitStore, limits EscrowLimits, logger *zap.Logger) *EscrowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EscrowLimiter{store: store, limits: limits, logger: logger, now: time.Now}
}

// WithClock overrides the limiter clock.
func (l *EscrowLimiter) WithClock(now func() time.Time) *EscrowLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Guard returns the middleware for escrow mutation routes. It must run after RequireAuth.
// An attempt is recorded against every scope only when all scopes admit the request, and
// scopes whose store lookups fail are skipped.
func (l *EscrowLimiter) Guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.store == nil || l.limits.Window <= 0 {
			c.Next()
			return
		}
		principal, ok := GetPrincipalID(c)
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		now := l.now()
		var states []windowState
		for _, scope := range l.scopes(c, principal) {
			st, err := l.inspect(ctx, scope, now)
			if err != nil {
				l.logger.Warn("escrow rate limit check failed", zap.String("key", scope.key), zap.Error(err))
				continue
			}
			states = append(states, st)
		}
		if len(states) == 0 {
			c.Next()
			return
		}

		tightest := tightestWindow(states)
		if tightest.blocked() {
			l.reject(c, tightest, now)
			return
		}

		for _, st := range states {
			if err := l.store.RecordAttempt(ctx, st.key, now); err != nil {
				l.logger.Warn("escrow rate limit record failed", zap.String("key", st.key), zap.Error(err))
			}
		}
		tightest.count++
		setLimitHeaders(c, tightest)
		c.Next()
	}
}

func (l *EscrowLimiter) scopes(c *gin.Context, principal string) []limitScope {
	var scopes []limitScope
	if l.limits.PerPrincipal > 0 {
		scopes = append(scopes, limitScope{key: "escrow:principal:" + principal, limit: l.limits.PerPrincipal})
	}
	if contractID := c.Param("id"); contractID != "" && l.limits.PerContractAction > 0 {
		scopes = append(scopes, limitScope{
			key:   "escrow:contract:" + contractID + ":" + escrowAction(c) + ":" + principal,
			limit: l.limits.PerContractAction,
		})
	}
	return scopes
}

func (l *EscrowLimiter) inspect(ctx context.Context, scope limitScope, now time.Time) (windowState, error) {
	window := l.limits.Window
	if err := l.store.TrimWindow(ctx, scope.key, window, now); err != nil {
		return windowState{}, err
	}
	count, err := l.store.CountAttempts(ctx, scope.key, window, now)
	if err != nil {
		return windowState{}, err
	}
	oldest, found, err := l.store.OldestAttempt(ctx, scope.key, window, now)
	if err != nil {
		return windowState{}, err
	}

	st := windowState{limitScope: scope, count: count, reset: now.Add(window)}
	if found {
		st.reset = oldest.Add(window)
	}
	return st, nil
}

func (l *EscrowLimiter) reject(c *gin.Context, st windowState, now time.Time) {
	setLimitHeaders(c, st)
	seconds := int(math.Ceil(st.reset.Sub(now).Seconds()))
	if seconds < 0 {
		seconds = 0
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests,
		newErrorResponse(c, fmt.Sprintf("too many escrow changes, retry in %d seconds", seconds)))
}

// tightestWindow prefers a blocked scope with the latest reset, then the fewest remaining attempts.
func tightestWindow(states []windowState) windowState {
	best := states[0]
	for _, st := range states[1:] {
		switch {
		case st.blocked() != best.blocked():
			if st.blocked() {
				best = st
			}
		case st.blocked():
			if st.reset.After(best.reset) {
				best = st
			}
		case st.remaining() < best.remaining():
			best = st
		}
	}
	return best
}

func setLimitHeaders(c *gin.Context, st windowState) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(st.limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(st.remaining()))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(st.reset.Unix(), 10))
}

// escrowAction names the mutation from the matched route, e.g. "fund" or "milestones.2.release".
func escrowAction(c *gin.Context) string {
	_, tail, found := strings.Cut(c.FullPath(), "/:id/")
	if !found || tail == "" {
		return "contract"
	}
	parts := strings.Split(tail, "/")
	for i, part := range parts {
		if name, ok := strings.CutPrefix(part, ":"); ok {
			parts[i] = c.Param(name)
		}
	}
	return strings.Join(parts, ".")
}
