package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// assembles the request identity from incoming metadata and the transport
// peer, and stores it in the handler's context.
//
// Rejections map to Unauthenticated, PermissionDenied, Unavailable or
// Internal.
func UnaryServerInterceptor(assembler RequestAssembler) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := assembleFromGRPC(ctx, assembler)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of
// [UnaryServerInterceptor].
func StreamServerInterceptor(assembler RequestAssembler) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := assembleFromGRPC(ss.Context(), assembler)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that adds
// the propagation headers of the context's [RequestIdentity] to outgoing
// metadata. Calls without an identity proceed unchanged.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(propagateToGRPC(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor is the streaming form of
// [UnaryClientInterceptor].
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		return streamer(propagateToGRPC(ctx), desc, cc, method, opts...)
	}
}

func assembleFromGRPC(ctx context.Context, assembler RequestAssembler) (context.Context, error) {
	id, err := assembler.Assemble(ctx, requestMetaFromGRPC(ctx))
	if err != nil {
		return ctx, status.Error(grpcCode(err), rejectionMessage(err))
	}
	return ContextWithRequestIdentity(ctx, id), nil
}

// requestMetaFromGRPC maps incoming metadata to canonical header keys and
// takes the origin from the transport peer.
func requestMetaFromGRPC(ctx context.Context) RequestMeta {
	meta := RequestMeta{Header: make(http.Header)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, vs := range md {
			if strings.HasPrefix(k, ":") {
				continue
			}
			meta.Header[http.CanonicalHeaderKey(k)] = vs
		}
	}
	if p, ok := peer.FromContext(ctx); ok {
		if p.Addr != nil {
			meta.RemoteAddr = p.Addr.String()
		}
		if info, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			state := info.State
			meta.TLS = &state
		}
	}
	return meta
}

func grpcCode(err error) codes.Code {
	switch {
	case sserr.IsAuthorization(err):
		return codes.PermissionDenied
	case sserr.IsAuthentication(err):
		return codes.Unauthenticated
	case sserr.IsUnavailable(err):
		return codes.Unavailable
	case sserr.IsTimeout(err):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func rejectionMessage(err error) string {
	e := sserr.FromError(err)
	return string(e.Code) + ": " + e.Message
}

func propagateToGRPC(ctx context.Context) context.Context {
	id, ok := RequestIdentityFromContext(ctx)
	if !ok {
		return ctx
	}
	h := id.Headers()
	pairs := make([]string, 0, len(h)*2)
	for k, vs := range h {
		for _, v := range vs {
			pairs = append(pairs, strings.ToLower(k), v)
		}
	}
	md := metadata.Pairs(pairs...)
	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		existing = existing.Copy()
		for _, k := range identityHeaders {
			existing.Delete(k)
		}
		md = metadata.Join(existing, md)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// wrappedServerStream overrides Context so stream handlers see the
// identity added by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
