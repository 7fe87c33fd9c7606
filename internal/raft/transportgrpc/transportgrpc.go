// Package transportgrpc carries the peer RPCs over gRPC. Messages are the
// JSON-encoded rpc DTOs; the service descriptor is declared by hand so no
// generated stubs are needed.
package transportgrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/isparth/Distributed-Systems/ohmyraft/internal/raft/rpc"
)

const serviceName = "ohmyraft.Raft"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rpc.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("AppendEntries", rpc.Handler.HandleAppendEntries),
		unary("RequestVote", rpc.Handler.HandleRequestVote),
		unary("AddServer", rpc.Handler.HandleAddServer),
		unary("RemoveServer", rpc.Handler.HandleRemoveServer),
		unary("NetworkUpdate", rpc.Handler.HandleNetworkUpdate),
		unary("Ping", rpc.Handler.HandlePing),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.json",
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unary[Req, Resp any](method string, call func(rpc.Handler, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			h := srv.(rpc.Handler)
			invoke := func(ctx context.Context, r any) (any, error) {
				resp, err := call(h, ctx, *r.(*Req))
				if err != nil {
					return nil, err
				}
				return &resp, nil
			}
			if interceptor == nil {
				return invoke(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, req, info, invoke)
		},
	}
}

// --- Server ---

type Server struct {
	srv *grpc.Server
}

func NewServer(handler rpc.Handler, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logErrors := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			logger.WithError(err).WithField("method", info.FullMethod).Debug("rpc handler failed")
		}
		return resp, err
	}
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(logErrors),
	)
	srv.RegisterService(&serviceDesc, handler)
	return &Server{srv: srv}
}

// Serve blocks accepting connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// --- Client ---

// Client implements rpc.Client over gRPC, keeping one connection per address.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

func invoke[Req, Resp any](c *Client, ctx context.Context, addr, method string, req Req) (Resp, error) {
	var resp Resp
	cc, err := c.conn(addr)
	if err != nil {
		return resp, err
	}
	err = cc.Invoke(ctx, fullMethod(method), &req, &resp)
	return resp, err
}

func (c *Client) AppendEntries(ctx context.Context, addr string, req rpc.AppendEntriesRequest) (rpc.AppendEntriesResponse, error) {
	return invoke[rpc.AppendEntriesRequest, rpc.AppendEntriesResponse](c, ctx, addr, "AppendEntries", req)
}

func (c *Client) RequestVote(ctx context.Context, addr string, req rpc.RequestVoteRequest) (rpc.RequestVoteResponse, error) {
	return invoke[rpc.RequestVoteRequest, rpc.RequestVoteResponse](c, ctx, addr, "RequestVote", req)
}

func (c *Client) AddServer(ctx context.Context, addr string, req rpc.AddServerRequest) (rpc.AddServerResponse, error) {
	return invoke[rpc.AddServerRequest, rpc.AddServerResponse](c, ctx, addr, "AddServer", req)
}

func (c *Client) RemoveServer(ctx context.Context, addr string, req rpc.RemoveServerRequest) (rpc.RemoveServerResponse, error) {
	return invoke[rpc.RemoveServerRequest, rpc.RemoveServerResponse](c, ctx, addr, "RemoveServer", req)
}

func (c *Client) NetworkUpdate(ctx context.Context, addr string, req rpc.NetworkUpdateRequest) (rpc.NetworkUpdateResponse, error) {
	return invoke[rpc.NetworkUpdateRequest, rpc.NetworkUpdateResponse](c, ctx, addr, "NetworkUpdate", req)
}

func (c *Client) Ping(ctx context.Context, addr string) (rpc.PingResponse, error) {
	return invoke[rpc.PingRequest, rpc.PingResponse](c, ctx, addr, "Ping", rpc.PingRequest{})
}
