// Package notify streams hot-block notifications to subscribed clients
// over gRPC. It defines its wire messages by hand, following the same
// approach as a client elsewhere in this codebase's ancestry: minimal
// structs carrying protobuf field tags plus the legacy proto.Message
// methods, sent through a raw grpc.StreamDesc rather than anything
// generated by protoc.
package notify

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name clients dial.
const ServiceName = "dbt.notify.HotBlockNotifier"

// subscribeRequest is sent once by a client to open the notification
// stream. It carries no fields today; it exists so the wire protocol
// has a request message to receive before streaming begins.
type subscribeRequest struct{}

func (x *subscribeRequest) Reset()         { *x = subscribeRequest{} }
func (x *subscribeRequest) String() string { return "subscribeRequest{}" }
func (x *subscribeRequest) ProtoMessage()  {}

// OptimizationNotification is published once per guest block that
// crosses the hot-access threshold, so a supervising process can react
// (e.g. promote it for more aggressive translation, or log it).
type OptimizationNotification struct {
	GuestAddr     uint64 `protobuf:"varint,1,opt,name=guest_addr"`
	AccessCount   uint32 `protobuf:"varint,2,opt,name=access_count"`
	SignatureType int32  `protobuf:"varint,3,opt,name=signature_type"`
}

func (x *OptimizationNotification) Reset()         { *x = OptimizationNotification{} }
func (x *OptimizationNotification) String() string { return fmt.Sprintf("%+v", *x) }
func (x *OptimizationNotification) ProtoMessage()  {}

// subscriberQueueSize bounds how many unsent notifications a slow
// subscriber accumulates before Publish starts dropping for it, so a
// stalled client can never block the orchestrator's hot path.
const subscriberQueueSize = 64

// Server implements the hot-block notification stream. Construct it
// with NewServer: the zero value has no subscriber map and cannot
// accept subscribers.
type Server struct {
	mu          sync.Mutex
	subscribers map[chan *OptimizationNotification]struct{}
}

// NewServer returns a ready-to-register notification server.
func NewServer() *Server {
	return &Server{subscribers: make(map[chan *OptimizationNotification]struct{})}
}

// Publish fans out note to every current subscriber. A subscriber
// whose queue is full is skipped for this notification rather than
// blocking the publisher.
func (s *Server) Publish(note *OptimizationNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- note:
		default:
		}
	}
}

func (s *Server) subscribe() chan *OptimizationNotification {
	ch := make(chan *OptimizationNotification, subscriberQueueSize)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan *OptimizationNotification) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// handleSubscribe services one client's Subscribe stream: it reads the
// (empty) request, then relays published notifications until the
// client disconnects.
func (s *Server) handleSubscribe(stream grpc.ServerStream) error {
	var req subscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return fmt.Errorf("notify: receiving subscribe request: %w", err)
	}

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-ch:
			if err := stream.SendMsg(note); err != nil {
				return fmt.Errorf("notify: sending notification: %w", err)
			}
		}
	}
}

// serviceDesc describes the raw streaming RPC for registration with a
// *grpc.Server, standing in for what protoc-gen-go-grpc would normally
// generate.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Server).handleSubscribe(stream)
			},
		},
	},
}

// Register attaches s to gs under ServiceName.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Dial connects to a notify server and returns a channel of
// notifications; the channel is closed when ctx is cancelled or the
// stream ends.
func Dial(ctx context.Context, conn *grpc.ClientConn) (<-chan *OptimizationNotification, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
	}, "/"+ServiceName+"/Subscribe")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("notify: opening subscribe stream: %w", err)
	}

	if err := stream.SendMsg(&subscribeRequest{}); err != nil {
		cancel()
		return nil, fmt.Errorf("notify: sending subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("notify: closing send side: %w", err)
	}

	out := make(chan *OptimizationNotification)
	go func() {
		defer cancel()
		defer close(out)
		for {
			var note OptimizationNotification
			if err := stream.RecvMsg(&note); err != nil {
				return
			}
			select {
			case out <- &note:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return out, nil
}
