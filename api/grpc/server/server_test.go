package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yqhp/taskbus/pkg/types"
)

var caller = types.NewParticipantID("integration", "intake", "NormaliserA", "1.0")

func TestNewServer(t *testing.T) {
	s := NewServer(nil)

	assert.NotNil(t, s.config)
	assert.Equal(t, ":7400", s.config.Address)
	assert.Equal(t, 5*time.Second, s.config.KeepaliveInterval)
	assert.Empty(t, s.Methods())
}

func TestInvokeDispatchesToHandler(t *testing.T) {
	s := NewServer(nil)
	s.Handle("echo", func(_ context.Context, sender types.ParticipantID, args json.RawMessage) (any, error) {
		assert.Equal(t, caller, sender)
		return map[string]json.RawMessage{"got": args}, nil
	})

	resp, err := s.Invoke(context.Background(), &types.Request{
		RequestID: "r-1",
		Sender:    caller,
		Method:    "echo",
		Arguments: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"got":{"x":1}}`, string(resp.Result))
}

func TestInvokeUnknownMethod(t *testing.T) {
	s := NewServer(nil)
	_, err := s.Invoke(context.Background(), &types.Request{RequestID: "r", Method: "nope"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = s.Invoke(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestInvokeHandlerErrorTravelsInResponse(t *testing.T) {
	s := NewServer(nil)
	s.Handle("notifyTaskFinish", func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return nil, types.NewUnknownTaskError("T1", "no fulfillment card")
	})
	s.Handle("plain", func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	resp, err := s.Invoke(context.Background(), &types.Request{RequestID: "r", Method: "notifyTaskFinish"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.ErrCodeUnknownTask, resp.Error.Code)
	assert.Equal(t, types.TaskID("T1"), resp.Error.TaskID)
	assert.ErrorIs(t, resp.Error.Err(), types.ErrUnknownTask)

	resp, err = s.Invoke(context.Background(), &types.Request{RequestID: "r", Method: "plain"})
	require.NoError(t, err)
	assert.EqualError(t, resp.Error.Err(), "boom")
}

func TestInvokeNilResult(t *testing.T) {
	s := NewServer(nil)
	s.Handle("noop", func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return nil, nil
	})
	resp, err := s.Invoke(context.Background(), &types.Request{RequestID: "r", Method: "noop"})
	require.NoError(t, err)
	assert.Empty(t, resp.Result)
}

func TestMethodsSorted(t *testing.T) {
	s := NewServer(nil)
	noop := func(context.Context, types.ParticipantID, json.RawMessage) (any, error) { return nil, nil }
	s.Handle("queueTask", noop)
	s.Handle("getNextPendingTask", noop)
	assert.Equal(t, []string{"getNextPendingTask", "queueTask"}, s.Methods())
}

func TestRecoveryInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/taskbus.IntegrationPoint/Invoke"}
	_, err := recoveryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("handler exploded")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(nil).Stop(context.Background()))
}
