// Package grpcauth enforces a policy on gRPC servers. Incoming metadata is
// the header source; properties travel in the context.
package grpcauth

import (
	"context"
	"strings"

	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type claimsKey struct{}

type propertiesKey struct{}

// WithProperties attaches trusted token properties to ctx, typically from an
// outer interceptor that already authenticated the peer.
func WithProperties(ctx context.Context, props map[string]string) context.Context {
	return context.WithValue(ctx, propertiesKey{}, props)
}

// ClaimsFromContext returns the claims of an allowed call.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

type message struct {
	in      metadata.MD
	props   map[string]string
	trailer metadata.MD
}

func newMessage(ctx context.Context) *message {
	in, _ := metadata.FromIncomingContext(ctx)
	props, _ := ctx.Value(propertiesKey{}).(map[string]string)
	return &message{in: in, props: props, trailer: metadata.MD{}}
}

func (m *message) Header(name string) string {
	if vals := m.in.Get(strings.ToLower(name)); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (m *message) Property(name string) (string, bool) {
	v, ok := m.props[name]
	return v, ok
}

func (m *message) SetHeader(name, value string) {
	m.trailer.Set(strings.ToLower(name), value)
}

func authorize(ctx context.Context, proc *policy.Processor) (context.Context, *message, error) {
	msg := newMessage(ctx)
	claims, err := proc.Process(ctx, msg)
	if err != nil {
		return ctx, msg, toStatus(err)
	}
	return context.WithValue(ctx, claimsKey{}, claims), msg, nil
}

func toStatus(err error) error {
	ae, ok := auth.AsAuthorizationError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	if ae.Forbidden() {
		return status.Error(codes.PermissionDenied, ae.Reason)
	}
	return status.Error(codes.Unauthenticated, ae.Reason)
}

// UnaryServerInterceptor rejects calls the processor denies.
func UnaryServerInterceptor(proc *policy.Processor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, msg, err := authorize(ctx, proc)
		if err != nil {
			if len(msg.trailer) > 0 {
				_ = grpc.SetTrailer(ctx, msg.trailer)
			}
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor rejects streams the processor denies.
func StreamServerInterceptor(proc *policy.Processor) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, msg, err := authorize(ss.Context(), proc)
		if err != nil {
			if len(msg.trailer) > 0 {
				ss.SetTrailer(msg.trailer)
			}
			return err
		}
		return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }
