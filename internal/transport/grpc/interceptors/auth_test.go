package interceptors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arklim/auditmarket-core/internal/infra/security"
)

type stubVerifier struct {
	principal *security.Principal
	err       error
}

func (s *stubVerifier) Verify(string) (*security.Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.principal, nil
}

func TestAuthInterceptorAllowsValidTokens(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "user-123"}}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{Logger: zaptest.NewLogger(t)}).UnaryServerInterceptor()

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		got, ok := PrincipalFromContext(ctx)
		if !ok || got.ID != "user-123" {
			t.Fatalf("principal missing from context")
		}
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token-value"))
	info := &grpc.UnaryServerInfo{FullMethod: "/auditmarket.v1.Escrow/Release"}

	if _, err := interceptor(ctx, struct{}{}, info, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthInterceptorRejectsMissingToken(t *testing.T) {
	interceptor := NewAuthInterceptor(&stubVerifier{}, AuthOptions{}).UnaryServerInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/auditmarket.v1.Escrow/Release"}
	if _, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatalf("handler should not be invoked")
		return nil, nil
	}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestAuthInterceptorPassesThroughAllowedMethods(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("should not be called")}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{AllowMethods: []string{"/grpc.health.v1.Health/Check"}}).UnaryServerInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "pong", nil
	}); err != nil {
		t.Fatalf("expected allowed method to succeed, got %v", err)
	}
}

func TestAuthInterceptorMapsExpiredTokens(t *testing.T) {
	verifier := &stubVerifier{err: fmt.Errorf("%w: %w", security.ErrTokenInvalid, jwt.ErrTokenExpired)}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{}).UnaryServerInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/auditmarket.v1.Escrow/Release"}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token"))
	_, err := interceptor(ctx, struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatalf("handler should not be invoked")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated for expired token, got %v", err)
	}
	if status.Convert(err).Message() != "access token expired" {
		t.Fatalf("expected expiry message, got %q", status.Convert(err).Message())
	}
}

func TestAuthInterceptorStreamCarriesPrincipal(t *testing.T) {
	verifier := &stubVerifier{principal: &security.Principal{ID: "auditor-7"}}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{}).StreamServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token"))
	info := &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch", IsServerStream: true}

	err := interceptor(nil, &mockServerStream{ctx: ctx}, info, func(srv interface{}, stream grpc.ServerStream) error {
		got, ok := PrincipalFromContext(stream.Context())
		if !ok || got.ID != "auditor-7" {
			t.Fatalf("principal missing from stream context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}
