package environment

import (
	"context"
	"time"

	"github.com/runtara/runtara/environment/runner"
	"github.com/runtara/runtara/rpc"
)

// defaultStopGrace is used when a StopInstance request omits GraceMS.
const defaultStopGrace = 10 * time.Second

// Server puts Handlers behind an rpc.Server, the Environment-side half of
// spec.md §4.4's lifecycle endpoint: StartInstance, StopInstance,
// ResumeInstance, and a SendSignal passthrough to the Coordinator. Mirrors
// coordinator.Server's single-listener-per-message-type shape.
type Server struct {
	Handlers  *Handlers
	store     Store
	rpcServer *rpc.Server
}

func NewServer(store Store, rn runner.Runner, dataDir, serverAddr string, opts ...Option) *Server {
	s := &Server{
		Handlers: NewHandlers(store, rn, dataDir, serverAddr, opts...),
		store:    store,
	}
	s.rpcServer = rpc.NewServer(s.dispatch)
	return s
}

func (s *Server) dispatch(ctx context.Context, reqType rpc.MessageType, payload []byte) (rpc.MessageType, []byte, error) {
	switch reqType {
	case rpc.TypeStartInstanceRequest:
		return s.handleStartInstance(ctx, payload)
	case rpc.TypeStopInstanceRequest:
		return s.handleStopInstance(ctx, payload)
	case rpc.TypeResumeInstanceRequest:
		return s.handleResumeInstance(ctx, payload)
	case rpc.TypeSendSignalRequest:
		return s.handleSendSignal(ctx, payload)
	case rpc.TypeHealthCheckRequest:
		return rpc.TypeHealthCheckResponse, mustEncode(rpc.HealthCheckResponse{OK: true, Version: "runtara-environment"}), nil
	default:
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: errUnknownMessageType}
	}
}

// Serve runs the Environment's RPC loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := listenTCP(addr)
	if err != nil {
		return err
	}
	return s.rpcServer.Serve(ctx, ln)
}
