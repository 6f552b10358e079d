package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/arklim/auditmarket-core/internal/usecase"
)

func TestStreamEventsWritesEventsAndEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", func(c *gin.Context) {
		updates := make(chan []string, 2)
		updates <- []string{"alice"}
		updates <- []string{"alice", "bob"}
		close(updates)
		streamEvents(c, "participants", updates)
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if got := strings.Count(text, "event:participants"); got != 2 {
		t.Fatalf("expected 2 participants events, got %d in %q", got, text)
	}
	if !strings.Contains(text, `["alice","bob"]`) {
		t.Fatalf("expected last snapshot in stream, got %q", text)
	}
	if !strings.Contains(text, "event:end") {
		t.Fatalf("expected end event, got %q", text)
	}
}

func TestRespondWithMappedError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"permission denied", usecase.ErrPermissionDenied, http.StatusForbidden},
		{"wrapped not party", fmt.Errorf("view: %w", usecase.ErrNotContractParty), http.StatusForbidden},
		{"payment pending", usecase.ErrPaymentPending, http.StatusAccepted},
		{"payment failed", usecase.ErrPaymentFailed, http.StatusBadGateway},
		{"unmapped", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			RespondWithMappedError(c, tc.err, escrowCases, http.StatusInternalServerError, "failed")

			if w.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, w.Code)
			}
		})
	}
}
