package grpcauth

import (
	"context"
	"strings"
	"testing"

	_ "github.com/osvaldoandrade/realmgate/pkg/auth/static"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func staticProcessor(t *testing.T, requiredRoles string) *policy.Processor {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.Name = "grpc"
	cfg.Provider = "static"
	cfg.ProviderConfig = map[string]interface{}{"token": "dev-token", "subject": "svc", "roles": []interface{}{"reader"}}
	cfg.RequiredRoles = requiredRoles
	p, err := policy.New(cfg)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return policy.NewProcessor(p)
}

func incoming(kv ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
}

func TestUnaryInterceptor(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		required string
		want     codes.Code
	}{
		{"allowed", incoming("authorization", "Bearer dev-token"), "reader", codes.OK},
		{"dedicated header", incoming(strings.ToLower(policy.DefaultTokenHeader), "dev-token"), "", codes.OK},
		{"property", WithProperties(context.Background(), map[string]string{policy.DefaultTokenProperty: "dev-token"}), "", codes.OK},
		{"no token", context.Background(), "", codes.Unauthenticated},
		{"bad token", incoming("authorization", "Bearer nope"), "", codes.Unauthenticated},
		{"missing role", incoming("authorization", "Bearer dev-token"), "admin", codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := UnaryServerInterceptor(staticProcessor(t, tt.required))
			called := false
			_, err := interceptor(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/orders.v1.Orders/Get"}, func(ctx context.Context, _ interface{}) (interface{}, error) {
				called = true
				if c, ok := ClaimsFromContext(ctx); !ok || c.Subject != "svc" {
					t.Errorf("expected claims in handler context, got %+v", c)
				}
				return "ok", nil
			})
			if got := status.Code(err); got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
			if called != (tt.want == codes.OK) {
				t.Fatalf("handler called=%v for code %s", called, tt.want)
			}
		})
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func (s *fakeStream) SetTrailer(md metadata.MD) { s.trailer = metadata.Join(s.trailer, md) }

func TestStreamInterceptorSetsRejectionTrailer(t *testing.T) {
	interceptor := StreamServerInterceptor(staticProcessor(t, ""))

	denied := &fakeStream{ctx: incoming("authorization", "Bearer nope")}
	err := interceptor(nil, denied, &grpc.StreamServerInfo{FullMethod: "/orders.v1.Orders/Watch"}, func(interface{}, grpc.ServerStream) error {
		t.Fatal("handler must not run for a denied stream")
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	if got := denied.trailer.Get(strings.ToLower(policy.DefaultRejectedHeader)); len(got) != 1 || got[0] != "grpc" {
		t.Fatalf("expected rejection trailer naming the policy, got %v", got)
	}

	allowed := &fakeStream{ctx: incoming("authorization", "Bearer dev-token")}
	err = interceptor(nil, allowed, &grpc.StreamServerInfo{}, func(_ interface{}, ss grpc.ServerStream) error {
		if _, ok := ClaimsFromContext(ss.Context()); !ok {
			t.Error("expected claims on the wrapped stream context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected allowed stream, got %v", err)
	}
}
