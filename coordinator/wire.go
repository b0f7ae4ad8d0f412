package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/runtara/runtara/rpc"
	"github.com/runtara/runtara/storage"
)

var errUnknownMessageType = errors.New("coordinator: unknown message type")

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every response type here is a plain struct of primitives and
		// byte slices; a marshal failure indicates a programming error,
		// not a runtime condition callers should branch on.
		panic("coordinator: marshal response: " + err.Error())
	}
	return b
}

func codedFromHandlerError(err error) error {
	var he *HandlerError
	if errors.As(err, &he) && he.Code != "" {
		return &rpc.CodedError{Code: rpc.ErrorCode(he.Code), Err: err}
	}
	return err
}

func (s *Server) handleRegisterInstance(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.RegisterInstanceRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	inst, err := s.Instance.RegisterInstance(ctx, req.InstanceID, req.TenantID, req.CheckpointID)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.RegisterInstanceResponse{
		InstanceID:   inst.InstanceID,
		Status:       string(inst.Status),
		CheckpointID: inst.CheckpointID,
		Attempt:      inst.Attempt,
	}
	return rpc.TypeRegisterInstanceResponse, mustEncode(resp), nil
}

func (s *Server) handleCheckpoint(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.CheckpointRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	cp, found, pending, consumed, err := s.Instance.Checkpoint(ctx, req.InstanceID, req.CheckpointID, req.State, req.IdempotencyKey, storage.InstanceStatus(req.NewStatus))
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.CheckpointResponse{CheckpointID: req.CheckpointID, Found: found}
	if found && cp != nil {
		resp.State = cp.State
	}
	if pending != nil {
		resp.PendingSignal = string(pending.SignalType)
		resp.SignalPayload = pending.Payload
	}
	if consumed != nil {
		resp.CustomSignal = consumed.Payload
		resp.HasCustomData = true
	}
	return rpc.TypeCheckpointResponse, mustEncode(resp), nil
}

func (s *Server) handleGetCheckpoint(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.GetCheckpointRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	cp, err := s.Instance.GetCheckpoint(ctx, req.InstanceID, req.CheckpointID)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.GetCheckpointResponse{CheckpointID: cp.CheckpointID, State: cp.State, CreatedAt: cp.CreatedAt}
	return rpc.TypeGetCheckpointResponse, mustEncode(resp), nil
}

func (s *Server) handleSleep(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.SleepRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	wakeAt, err := s.Instance.Sleep(ctx, req.InstanceID, req.CheckpointID, req.Duration)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeSleepResponse, mustEncode(rpc.SleepResponse{WakeAt: wakeAt}), nil
}

func (s *Server) handleInstanceEvent(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.InstanceEventRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	ev, err := s.Instance.InstanceEvent(ctx, req.InstanceID, storage.EventType(req.EventType), req.CheckpointID, req.Payload)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeInstanceEventResponse, mustEncode(rpc.InstanceEventResponse{EventID: ev.ID}), nil
}

func (s *Server) handlePollSignals(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.PollSignalsRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	sig, cs, err := s.Instance.PollSignals(ctx, req.InstanceID, req.WaitCheckpointID)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.PollSignalsResponse{}
	if sig != nil {
		resp.PendingSignal = string(sig.SignalType)
		resp.SignalPayload = sig.Payload
	}
	if cs != nil {
		resp.CustomSignalData = cs.Payload
		resp.HasCustomSignal = true
	}
	return rpc.TypePollSignalsResponse, mustEncode(resp), nil
}

func (s *Server) handleSignalAck(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.SignalAckRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	if err := s.Instance.SignalAck(ctx, req.InstanceID); err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeSignalAckResponse, mustEncode(rpc.SignalAckResponse{}), nil
}

func (s *Server) handleRetryAttempt(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.RetryAttemptRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	remaining, err := s.Instance.RetryAttempt(ctx, req.InstanceID, req.CheckpointID, req.Attempt, req.Error)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeRetryAttemptResponse, mustEncode(rpc.RetryAttemptResponse{AttemptsRemaining: remaining}), nil
}

func (s *Server) handleSendSignal(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.SendSignalRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	if err := s.Management.SendSignal(ctx, req.InstanceID, storage.SignalType(req.SignalType), req.Payload); err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeSendSignalResponse, mustEncode(rpc.SendSignalResponse{}), nil
}

func (s *Server) handleSendCustomSignal(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.SendCustomSignalRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	if err := s.Management.SendCustomSignal(ctx, req.InstanceID, req.CheckpointID, req.Payload); err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeSendCustomSignalResponse, mustEncode(rpc.SendCustomSignalResponse{}), nil
}

func (s *Server) handleGetInstanceStatus(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.GetInstanceStatusRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	inst, retries, err := s.Management.GetInstanceStatus(ctx, req.InstanceID, 10)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	return rpc.TypeGetInstanceStatusResponse, mustEncode(instanceStatusResponse(inst, retries)), nil
}

func instanceStatusResponse(inst *storage.Instance, retries []*storage.Event) rpc.GetInstanceStatusResponse {
	resp := rpc.GetInstanceStatusResponse{
		InstanceID:   inst.InstanceID,
		Status:       string(inst.Status),
		CheckpointID: inst.CheckpointID,
		Attempt:      inst.Attempt,
		CreatedAt:    inst.CreatedAt,
		FinishedAt:   inst.FinishedAt,
		Error:        inst.Error,
	}
	for _, ev := range retries {
		var p storage.RetryAttemptPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			resp.RecentRetries = append(resp.RecentRetries, rpc.RetryAttemptRequest{
				InstanceID: inst.InstanceID, CheckpointID: p.CheckpointID, Attempt: p.Attempt, Error: p.Error,
			})
		}
	}
	return resp
}

func (s *Server) handleListInstances(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.ListInstancesRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	instances, err := s.Management.ListInstances(ctx, req.TenantID, storage.InstanceStatus(req.Status), req.Limit)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.ListInstancesResponse{}
	for _, inst := range instances {
		resp.Instances = append(resp.Instances, instanceStatusResponse(inst, nil))
	}
	return rpc.TypeListInstancesResponse, mustEncode(resp), nil
}

func (s *Server) handleListCheckpoints(ctx context.Context, payload []byte) (rpc.MessageType, []byte, error) {
	req, err := rpc.DecodeRequest[rpc.ListCheckpointsRequest](payload)
	if err != nil {
		return 0, nil, &rpc.CodedError{Code: rpc.ErrCodeInvalidRequest, Err: err}
	}
	cps, err := s.Management.ListCheckpoints(ctx, req.InstanceID, req.AfterCheckpointID, req.Limit)
	if err != nil {
		return 0, nil, codedFromHandlerError(err)
	}
	resp := rpc.ListCheckpointsResponse{}
	for _, cp := range cps {
		resp.Checkpoints = append(resp.Checkpoints, rpc.GetCheckpointResponse{CheckpointID: cp.CheckpointID, State: cp.State, CreatedAt: cp.CreatedAt})
	}
	if len(cps) > 0 {
		resp.NextCursor = cps[len(cps)-1].CheckpointID
	}
	return rpc.TypeListCheckpointsResponse, mustEncode(resp), nil
}
