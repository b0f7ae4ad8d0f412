// Package rpc implements the framed binary protocol the Coordinator,
// Environment, and instance runtime speak to each other over plain TCP.
// QUIC and a protobuf compiler are explicitly out of scope for this
// system, so the wire format here is deliberately minimal: a length
// prefix, a message-type discriminant, and a JSON payload.
package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType discriminates the payload carried by a Frame.
type MessageType uint16

const (
	TypeRegisterInstanceRequest MessageType = iota + 1
	TypeRegisterInstanceResponse
	TypeCheckpointRequest
	TypeCheckpointResponse
	TypeGetCheckpointRequest
	TypeGetCheckpointResponse
	TypeSleepRequest
	TypeSleepResponse
	TypeInstanceEventRequest
	TypeInstanceEventResponse
	TypePollSignalsRequest
	TypePollSignalsResponse
	TypeSignalAckRequest
	TypeSignalAckResponse
	TypeRetryAttemptRequest
	TypeRetryAttemptResponse
	TypeHealthCheckRequest
	TypeHealthCheckResponse
	TypeSendSignalRequest
	TypeSendSignalResponse
	TypeSendCustomSignalRequest
	TypeSendCustomSignalResponse
	TypeGetInstanceStatusRequest
	TypeGetInstanceStatusResponse
	TypeListInstancesRequest
	TypeListInstancesResponse
	TypeListCheckpointsRequest
	TypeListCheckpointsResponse
	TypeStartInstanceRequest
	TypeStartInstanceResponse
	TypeStopInstanceRequest
	TypeStopInstanceResponse
	TypeResumeInstanceRequest
	TypeResumeInstanceResponse
	TypeErrorResponse
)

// MaxFrameSize bounds a single frame's payload to guard against a
// malformed length prefix exhausting memory.
const MaxFrameSize = 64 << 20 // 64 MiB

// Frame is one length-prefixed, typed message on the wire:
//
//	[4 bytes big-endian payload length][2 bytes big-endian MessageType][payload]
//
// The length field covers only the payload, not the type discriminant.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes f to w as one atomic frame.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 6)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(header[4:6], uint16(f.Type))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. r should be buffered (e.g. bufio.Reader)
// since this issues two reads per frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame payload of %d bytes exceeds max %d", length, MaxFrameSize)
	}
	typ := MessageType(binary.BigEndian.Uint16(header[4:6]))

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// NewFrameReader wraps r in a bufio.Reader sized for typical checkpoint
// payloads, avoiding a syscall per frame header read.
func NewFrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}
