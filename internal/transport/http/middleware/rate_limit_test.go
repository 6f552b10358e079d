package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type fakeRateLimitStore struct {
	trimErr   error
	counts    map[string]int
	countErr  error
	oldest    time.Time
	hasOldest bool
	recordErr error

	countedKeys  []string
	recordedKeys []string
}

func (f *fakeRateLimitStore) TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error {
	return f.trimErr
}

func (f *fakeRateLimitStore) CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error) {
	f.countedKeys = append(f.countedKeys, identifier)
	return f.counts[identifier], f.countErr
}

func (f *fakeRateLimitStore) RecordAttempt(ctx context.Context, identifier string, at time.Time) error {
	f.recordedKeys = append(f.recordedKeys, identifier)
	return f.recordErr
}

func (f *fakeRateLimitStore) OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error) {
	return f.oldest, f.hasOldest, nil
}

var testEscrowLimits = EscrowLimits{Window: time.Minute, PerPrincipal: 10, PerContractAction: 3}

func escrowMutationRouter(limiter *EscrowLimiter) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Principal"); id != "" {
			c.Set(PrincipalIDKey, id)
		}
		c.Next()
	})
	guarded := router.Group("/escrow", limiter.Guard())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	guarded.POST("", ok)
	guarded.POST("/:id/fund", ok)
	guarded.POST("/:id/milestones/:index/release", ok)
	return router
}

func postAs(router *gin.Engine, path, principal string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if principal != "" {
		req.Header.Set("X-Test-Principal", principal)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestEscrowLimiterRecordsPrincipalAndContractAction(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	oldest := now.Add(-30 * time.Second)
	store := &fakeRateLimitStore{
		counts: map[string]int{
			"escrow:principal:client-1": 2,
			"escrow:contract:c-1:milestones.2.release:client-1": 1,
		},
		oldest:    oldest,
		hasOldest: true,
	}
	limiter := NewEscrowLimiter(store, testEscrowLimits, zaptest.NewLogger(t)).WithClock(func() time.Time { return now })

	rr := postAs(escrowMutationRouter(limiter), "/escrow/c-1/milestones/2/release", "client-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	want := []string{"escrow:principal:client-1", "escrow:contract:c-1:milestones.2.release:client-1"}
	if strings.Join(store.recordedKeys, ",") != strings.Join(want, ",") {
		t.Fatalf("expected attempts recorded under %v, got %v", want, store.recordedKeys)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Fatalf("expected the contract action limit in headers, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected remaining 1, got %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(oldest.Add(time.Minute).Unix(), 10) {
		t.Fatalf("unexpected reset header %q", got)
	}
}

func TestEscrowLimiterCreateOnlyCountsPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := &fakeRateLimitStore{}
	limiter := NewEscrowLimiter(store, testEscrowLimits, zaptest.NewLogger(t))

	if rr := postAs(escrowMutationRouter(limiter), "/escrow", "client-1"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(store.recordedKeys) != 1 || store.recordedKeys[0] != "escrow:principal:client-1" {
		t.Fatalf("expected only the principal scope, got %v", store.recordedKeys)
	}
}

func TestEscrowLimiterBlocksRepeatedContractAction(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	store := &fakeRateLimitStore{
		counts: map[string]int{
			"escrow:principal:client-1":         4,
			"escrow:contract:c-1:fund:client-1": 3,
		},
		oldest:    now.Add(-30 * time.Second),
		hasOldest: true,
	}
	limiter := NewEscrowLimiter(store, testEscrowLimits, zaptest.NewLogger(t)).WithClock(func() time.Time { return now })
	router := escrowMutationRouter(limiter)

	rr := postAs(router, "/escrow/c-1/fund", "client-1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if len(store.recordedKeys) != 0 {
		t.Fatalf("expected no attempt recorded when blocked, got %v", store.recordedKeys)
	}
	if got := rr.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected retry-after 30, got %q", got)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !strings.Contains(body.Error, "retry in 30 seconds") {
		t.Fatalf("unexpected error message %q", body.Error)
	}

	if rr := postAs(router, "/escrow/c-2/fund", "client-1"); rr.Code != http.StatusOK {
		t.Fatalf("expected another contract to be unaffected, got %d", rr.Code)
	}
}

func TestEscrowLimiterFailsOpenOnStoreError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := &fakeRateLimitStore{trimErr: errors.New("redis down")}
	limiter := NewEscrowLimiter(store, testEscrowLimits, zaptest.NewLogger(t))

	if rr := postAs(escrowMutationRouter(limiter), "/escrow/c-1/fund", "client-1"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when failing open, got %d", rr.Code)
	}
	if len(store.recordedKeys) != 0 {
		t.Fatalf("expected no record attempt on failure, got %v", store.recordedKeys)
	}
}

func TestEscrowLimiterSkipsRequestsWithoutPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := &fakeRateLimitStore{counts: map[string]int{"escrow:principal:": 100}}
	limiter := NewEscrowLimiter(store, testEscrowLimits, zaptest.NewLogger(t))

	if rr := postAs(escrowMutationRouter(limiter), "/escrow", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without a principal, got %d", rr.Code)
	}
	if len(store.countedKeys) != 0 {
		t.Fatalf("expected no store lookups, got %v", store.countedKeys)
	}
}

func TestEscrowActionNamesRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var got []string
	router := gin.New()
	record := func(c *gin.Context) { got = append(got, escrowAction(c)) }
	router.POST("/api/v1/escrow", record)
	router.POST("/api/v1/escrow/:id/cancel", record)
	router.POST("/api/v1/escrow/:id/milestones/:index/approve", record)

	for _, path := range []string{"/api/v1/escrow", "/api/v1/escrow/c-9/cancel", "/api/v1/escrow/c-9/milestones/0/approve"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}
	want := []string{"contract", "cancel", "milestones.0.approve"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected actions %v, got %v", want, got)
	}
}
