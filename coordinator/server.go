package coordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/runtara/runtara/emit"
	"github.com/runtara/runtara/rpc"
	"github.com/runtara/runtara/storage"
)

// Server wires InstanceHandlers and ManagementHandlers onto one
// rpc.Server, dispatching by MessageType. The Coordinator listens on a
// single port; the instance and management RPCs share the same framed
// connection protocol, distinguished only by message type, matching how
// spec §6.1 defines one wire format for both surfaces.
type Server struct {
	Instance   *InstanceHandlers
	Management *ManagementHandlers
	rpcServer  *rpc.Server
}

func NewServer(store storage.CoordinatorStore, metrics *Metrics) *Server {
	s := &Server{
		Instance:   NewInstanceHandlers(store, metrics),
		Management: NewManagementHandlers(store, metrics),
	}
	s.rpcServer = rpc.NewServer(s.dispatch)
	return s
}

// SetEmitter installs e as the observability sink for both handler groups.
// Uninstalled, both default to emit.NullEmitter.
func (s *Server) SetEmitter(e emit.Emitter) {
	s.Instance.SetEmitter(e)
	s.Management.SetEmitter(e)
}

func (s *Server) dispatch(ctx context.Context, reqType rpc.MessageType, payload []byte) (respType rpc.MessageType, resp []byte, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.Instance.metrics.observe(strconv.Itoa(int(reqType)), float64(time.Since(start))/float64(time.Millisecond), outcome)
	}()
	switch reqType {
	case rpc.TypeRegisterInstanceRequest:
		return s.handleRegisterInstance(ctx, payload)
	case rpc.TypeCheckpointRequest:
		return s.handleCheckpoint(ctx, payload)
	case rpc.TypeGetCheckpointRequest:
		return s.handleGetCheckpoint(ctx, payload)
	case rpc.TypeSleepRequest:
		return s.handleSleep(ctx, payload)
	case rpc.TypeInstanceEventRequest:
		return s.handleInstanceEvent(ctx, payload)
	case rpc.TypePollSignalsRequest:
		return s.handlePollSignals(ctx, payload)
	case rpc.TypeSignalAckRequest:
		return s.handleSignalAck(ctx, payload)
	case rpc.TypeRetryAttemptRequest:
		return s.handleRetryAttempt(ctx, payload)
	case rpc.TypeHealthCheckRequest:
		return rpc.TypeHealthCheckResponse, mustEncode(rpc.HealthCheckResponse{OK: true, Version: "runtara-coordinator"}), nil
	case rpc.TypeSendSignalRequest:
		return s.handleSendSignal(ctx, payload)
	case rpc.TypeSendCustomSignalRequest:
		return s.handleSendCustomSignal(ctx, payload)
	case rpc.TypeGetInstanceStatusRequest:
		return s.handleGetInstanceStatus(ctx, payload)
	case rpc.TypeListInstancesRequest:
		return s.handleListInstances(ctx, payload)
	case rpc.TypeListCheckpointsRequest:
		return s.handleListCheckpoints(ctx, payload)
	default:
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: errUnknownMessageType}
	}
}

// Serve runs the Coordinator's RPC loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := listenTCP(addr)
	if err != nil {
		return err
	}
	return s.rpcServer.Serve(ctx, ln)
}

// RunWakeDispatcher polls storage for due wake entries and re-delivers
// them as Resume signals, the Coordinator-side half of durable sleep: an
// instance suspended by Sleep resumes when its wake entry comes due, not
// by the Environment polling a timer itself.
func (s *Server) RunWakeDispatcher(ctx context.Context, store storage.CoordinatorStore, pollInterval time.Duration, onWake func(ctx context.Context, instanceID, checkpointID string)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := store.DueWakes(ctx, time.Now(), 100)
			if err != nil {
				continue
			}
			for _, w := range due {
				if onWake != nil {
					onWake(ctx, w.InstanceID, w.CheckpointID)
				}
				_ = store.DeleteWake(ctx, w.InstanceID, w.CheckpointID)
			}
		}
	}
}
