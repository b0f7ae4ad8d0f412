package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTestNotFound = errors.New("not found")

func TestClientServerRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := func(_ context.Context, reqType MessageType, payload []byte) (MessageType, []byte, error) {
		require.Equal(t, TypeHealthCheckRequest, reqType)
		resp, err := json.Marshal(HealthCheckResponse{OK: true, Version: "test"})
		require.NoError(t, err)
		return TypeHealthCheckResponse, resp, err
	}

	srv := NewServer(handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Serve(ctx, ln) }()

	client := NewClient(ln.Addr().String(), 2*time.Second)
	defer func() { _ = client.Close() }()

	var resp HealthCheckResponse
	require.NoError(t, client.Call(TypeHealthCheckRequest, HealthCheckRequest{}, &resp))
	require.True(t, resp.OK)
	require.Equal(t, "test", resp.Version)
}

func TestClientSurfacesCodedError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := func(_ context.Context, _ MessageType, _ []byte) (MessageType, []byte, error) {
		return 0, nil, &CodedError{Code: ErrCodeNotFound, Err: errTestNotFound}
	}

	srv := NewServer(handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	client := NewClient(ln.Addr().String(), 2*time.Second)
	defer func() { _ = client.Close() }()

	err = client.Call(TypeGetCheckpointRequest, GetCheckpointRequest{}, &GetCheckpointResponse{})
	require.Error(t, err)
	require.True(t, IsRemoteCode(err, ErrCodeNotFound))
}
