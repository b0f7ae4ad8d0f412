package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: TypeCheckpointRequest, Payload: []byte(`{"instance_id":"abc"}`)}

	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(NewFrameReader(&buf))
	require.NoError(t, err)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.Payload, got.Payload)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypeHealthCheckRequest}))

	got, err := ReadFrame(NewFrameReader(&buf))
	require.NoError(t, err)
	require.Equal(t, TypeHealthCheckRequest, got.Type)
	require.Empty(t, got.Payload)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x01}
	buf.Write(header)

	_, err := ReadFrame(NewFrameReader(&buf))
	require.Error(t, err)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: TypeRegisterInstanceRequest, Payload: []byte("a")},
		{Type: TypeCheckpointRequest, Payload: []byte("bb")},
		{Type: TypeSleepRequest, Payload: nil},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	reader := NewFrameReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(reader)
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, len(want.Payload), len(got.Payload))
	}
}
