package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"yqhp/taskbus/api/grpc/server"
	"yqhp/taskbus/pkg/types"
)

const bufTarget = "passthrough:///bufnet"

var caller = types.NewParticipantID("integration", "", "TaskBroker", "1.0")

func startServer(t *testing.T) (*server.Server, *Invoker) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := server.NewServer(nil)
	srv.Handle("echo", func(_ context.Context, sender types.ParticipantID, args json.RawMessage) (any, error) {
		return map[string]any{"sender": sender.FullName(), "args": args}, nil
	})
	srv.Handle("reject", func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return nil, types.NewAlreadyFinalisedError("T7")
	})

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	cfg := DefaultConfig()
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	inv := NewInvoker(cfg)
	t.Cleanup(func() { _ = inv.Close() })
	return srv, inv
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 16*1024*1024, cfg.MaxCallRecvMsgSize)
}

func TestInvokeOverGRPC(t *testing.T) {
	_, inv := startServer(t)

	resp, err := inv.Invoke(context.Background(), bufTarget, &types.Request{
		RequestID: "r-1",
		Sender:    caller,
		Method:    "echo",
		Arguments: json.RawMessage(`["EHRGateway"]`),
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", resp.RequestID)
	assert.JSONEq(t, `{"sender":"integration.TaskBroker","args":["EHRGateway"]}`, string(resp.Result))
}

func TestInvokeRemoteError(t *testing.T) {
	_, inv := startServer(t)

	resp, err := inv.Invoke(context.Background(), bufTarget, &types.Request{RequestID: "r-2", Method: "reject"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.ErrorIs(t, resp.Error.Err(), types.ErrAlreadyFinalised)
}

func TestInvokeUnknownMethodIsUnimplemented(t *testing.T) {
	_, inv := startServer(t)

	_, err := inv.Invoke(context.Background(), bufTarget, &types.Request{RequestID: "r-3", Method: "missing"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestConnectionIsReused(t *testing.T) {
	_, inv := startServer(t)

	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), bufTarget, &types.Request{RequestID: "r", Method: "echo"})
		require.NoError(t, err)
	}
	assert.Len(t, inv.conns, 1)

	inv.Forget(bufTarget)
	assert.Empty(t, inv.conns)
}

func TestInvokeLocal(t *testing.T) {
	srv := server.NewServer(nil)
	srv.Handle("echo", func(context.Context, types.ParticipantID, json.RawMessage) (any, error) {
		return "local", nil
	})
	inv := NewInvoker(nil)
	inv.RegisterLocal("task-broker::task-routing-receiver", srv)

	resp, err := inv.Invoke(context.Background(), "task-broker::task-routing-receiver", &types.Request{RequestID: "r", Method: "echo"})
	require.NoError(t, err)
	assert.JSONEq(t, `"local"`, string(resp.Result))
	assert.Empty(t, inv.conns)
}

func TestInvokeAfterClose(t *testing.T) {
	inv := NewInvoker(nil)
	require.NoError(t, inv.Close())

	_, err := inv.Invoke(context.Background(), "127.0.0.1:1", &types.Request{RequestID: "r", Method: "echo"})
	assert.Error(t, err)
}
