// Package monitorrpc exposes internal/event.Bus over gRPC: a streaming
// SubscribeEvents feed plus a GetServiceState snapshot subscribers use
// to re-synchronize after a Lagged(n) signal, fronted by an
// mTLS-capable grpc.Server, with a registered JSON
// codec standing in for protoc-gen-go output (see DESIGN.md).
package monitorrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/crankshaft/internal/event"
)

const serviceName = "crankshaft.monitor.Monitor"

// Server implements the Monitor RPC service: SubscribeEvents streams the
// live bus, GetServiceState answers with the current history snapshot.
type Server struct {
	bus *event.Bus
	grpc *grpc.Server

	mu      sync.Mutex
	history map[event.TaskID]*TaskState
}

// NewServer constructs a Server over bus. If tlsConfig is nil the gRPC
// server is created without transport credentials (suitable for loopback
// testing); production deployments pass a *tls.Config loaded from real
// certificate material.
func NewServer(bus *event.Bus, tlsConfig *tls.Config) *Server {
	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	s := &Server{
		bus:     bus,
		grpc:    grpc.NewServer(opts...),
		history: make(map[event.TaskID]*TaskState),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	go s.trackHistory()
	return s
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitorrpc: listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// trackHistory maintains the full ordered event history GetServiceState
// answers with: a task's entry is created on TaskCreated, every
// subsequent event appends to its list, and the entry is removed the
// moment any terminal event arrives. A non-Created event arriving for a
// task id not yet in history is dropped — it can only mean Created
// hasn't been observed yet (process startup racing a subscription), per
// spec.md §4.1's re-sync contract.
func (s *Server) trackHistory() {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	for ev := range sub.Events() {
		s.mu.Lock()
		switch {
		case ev.Kind == event.TaskCreated:
			s.history[ev.ID] = &TaskState{ID: uint64(ev.ID), Name: ev.Name, Events: []EventMessage{toMessage(ev)}}
		case ev.Kind.Terminal():
			delete(s.history, ev.ID)
		default:
			if ts, ok := s.history[ev.ID]; ok {
				ts.Events = append(ts.Events, toMessage(ev))
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) subscribeEvents(req *SubscribeEventsRequest, stream grpc.ServerStream) error {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			msg := toMessage(ev)
			if err := stream.SendMsg(&msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) getServiceState(ctx context.Context, req *GetServiceStateRequest) (*GetServiceStateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &GetServiceStateResponse{Tasks: make([]TaskState, 0, len(s.history))}
	for _, ts := range s.history {
		resp.Tasks = append(resp.Tasks, *ts)
	}
	return resp, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetServiceState",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(GetServiceStateRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.getServiceState(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/GetServiceState"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.getServiceState(ctx, req.(*GetServiceStateRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "SubscribeEvents",
			Handler: func(srv any, stream grpc.ServerStream) error {
				s := srv.(*Server)
				req := new(SubscribeEventsRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return s.subscribeEvents(req, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "monitor.proto",
}
