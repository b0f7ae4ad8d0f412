package environment

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/runtara/runtara/rpc"
	"github.com/runtara/runtara/storage"
)

var errUnknownMessageType = errors.New("environment: unknown message type")

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("environment: marshal response: " + err.Error())
	}
	return b
}

func codedFromLifecycleError(err error) error {
	var le *LifecycleError
	if errors.As(err, &le) && le.Code != "" {
		return &rpc.CodedError{Code: rpc.ErrorCode(le.Code), Err: err}
	}
	return err
}

func (s *Server) handleStartInstance(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.StartInstanceRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	inst, err := s.Handlers.StartInstance(ctx, req.InstanceID, req.TenantID, req.ImageID, req.MaxAttempts)
	if err != nil {
		return 0, nil, codedFromLifecycleError(err)
	}
	resp := rpc.StartInstanceResponse{InstanceID: inst.InstanceID}
	if reg, err := s.store.GetContainerRegistration(ctx, inst.InstanceID); err == nil {
		resp.HandleID = reg.HandleID
	}
	return rpc.TypeStartInstanceResponse, mustEncode(resp), nil
}

func (s *Server) handleStopInstance(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.StopInstanceRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	grace := time.Duration(req.GraceMS) * time.Millisecond
	if grace <= 0 {
		grace = defaultStopGrace
	}
	if err := s.Handlers.StopInstance(ctx, req.InstanceID, grace, req.Reason); err != nil {
		return 0, nil, codedFromLifecycleError(err)
	}
	return rpc.TypeStopInstanceResponse, mustEncode(rpc.StopInstanceResponse{}), nil
}

func (s *Server) handleResumeInstance(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.ResumeInstanceRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	if err := s.Handlers.ResumeInstance(ctx, req.InstanceID); err != nil {
		return 0, nil, codedFromLifecycleError(err)
	}
	resp := rpc.ResumeInstanceResponse{}
	if reg, err := s.store.GetContainerRegistration(ctx, req.InstanceID); err == nil {
		resp.HandleID = reg.HandleID
	}
	return rpc.TypeResumeInstanceResponse, mustEncode(resp), nil
}

func (s *Server) handleSendSignal(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.SendSignalRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	if err := s.Handlers.SendSignal(ctx, req.InstanceID, storage.SignalType(req.SignalType), req.Payload); err != nil {
		return 0, nil, codedFromLifecycleError(err)
	}
	return rpc.TypeSendSignalResponse, mustEncode(rpc.SendSignalResponse{}), nil
}
