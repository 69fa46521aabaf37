package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskbus/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":7480", cfg.Server.Address)
	assert.Equal(t, ":7400", cfg.GRPC.Address)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "task-broker", cfg.Cluster.Service)
	assert.False(t, cfg.Cluster.Redis.Enabled())
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestSelfAddress(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "task-broker::task-routing-receiver@localhost:7400", cfg.SelfAddress())

	cfg.Cluster.AdvertiseAddress = ""
	assert.Equal(t, "task-broker::task-routing-receiver", cfg.SelfAddress())
}

func TestParticipantID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Participant.Workshop = "lab"
	assert.Equal(t, types.NewParticipantID("integration", "lab", "TaskBroker", "1.0.0"), cfg.Participant.ID())
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskbus.yaml")
	content := `
server:
  address: ":9000"
  enable_cors: true
grpc:
  address: ":9400"
participant:
  subsystem: radiology
  name: RISBroker
cluster:
  service: ris-broker
  members:
    - "EHRSink::task-routing-receiver@ehr:7400"
    - "Archive::task-routing-receiver@archive:7400"
  redis:
    addr: "localhost:6379"
dispatch:
  timeout: 2s
broker:
  liveness_timeout: 10m
topology:
  path: /etc/taskbus/topology.yaml
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.True(t, cfg.Server.EnableCORS)
	assert.Equal(t, ":9400", cfg.GRPC.Address)
	assert.Equal(t, "RISBroker", cfg.Participant.Name)
	assert.Len(t, cfg.Cluster.Members, 2)
	assert.True(t, cfg.Cluster.Redis.Enabled())
	assert.Equal(t, "taskbus:members", cfg.Cluster.Redis.Key, "unset keys keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Broker.LivenessTimeout)
	assert.Equal(t, "/etc/taskbus/topology.yaml", cfg.Topology.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromNonExistentFile(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/taskbus.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoadFromInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskbus.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := LoadFromFile(configPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TB_SERVER_ADDRESS", ":7070")
	t.Setenv("TB_GRPC_CONNECTION_TIMEOUT", "45s")
	t.Setenv("TB_CLUSTER_MEMBERS", "A::task-routing-receiver@a:1, B::task-routing-receiver@b:1")
	t.Setenv("TB_CLUSTER_REDIS_ADDR", "redis:6379")
	t.Setenv("TB_BROKER_PUBLISH_WORKERS", "4")
	t.Setenv("TB_AUDIT_ENABLED", "true")
	t.Setenv("TB_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, 45*time.Second, cfg.GRPC.ConnectionTimeout)
	assert.Equal(t, []string{"A::task-routing-receiver@a:1", "B::task-routing-receiver@b:1"}, cfg.Cluster.Members)
	assert.Equal(t, "redis:6379", cfg.Cluster.Redis.Addr)
	assert.Equal(t, 4, cfg.Broker.PublishWorkers)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	env := map[string]string{"TB_DISPATCH_TIMEOUT": "soon"}
	_, err := NewLoader().WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TB_DISPATCH_TIMEOUT")
}

func TestCustomEnvPrefix(t *testing.T) {
	env := map[string]string{"BUS_SERVER_ADDRESS": ":1234", "TB_SERVER_ADDRESS": ":9999"}
	cfg, err := NewLoader().WithEnvPrefix("BUS_").WithEnvLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Server.Address)
}

func TestPrecedence(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "taskbus.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("dispatch:\n  timeout: 2s\nlogging:\n  level: debug\n"), 0644))
	env := map[string]string{"TB_DISPATCH_TIMEOUT": "3s", "TB_LOG_LEVEL": "warn"}

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		WithEnvLookup(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}).
		WithCmdArgs(map[string]string{"dispatch.timeout": "4s"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 4*time.Second, cfg.Dispatch.Timeout, "command overrides win over env")
	assert.Equal(t, "warn", cfg.Logging.Level, "env wins over file")
}

func TestCmdOverrides(t *testing.T) {
	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"grpc.max_recv_msg_size":    "1024",
		"cluster.redis.ttl":         "30s",
		"broker.liveness_timeout":   "0s",
		"participant.name":          "EHRSink",
		"server.enable_cors":        "true",
		"cluster.advertise_address": "10.0.0.1:7400",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.GRPC.MaxRecvMsgSize)
	assert.Equal(t, 30*time.Second, cfg.Cluster.Redis.TTL)
	assert.Zero(t, cfg.Broker.LivenessTimeout)
	assert.Equal(t, "EHRSink", cfg.Participant.Name)
	assert.True(t, cfg.Server.EnableCORS)
	assert.Equal(t, "10.0.0.1:7400", cfg.Cluster.AdvertiseAddress)
}

func TestCmdOverrideErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]string
	}{
		{"unknown path", map[string]string{"cluster.nowhere": "x"}},
		{"leaf used as section", map[string]string{"server.address.port": "1"}},
		{"bad integer", map[string]string{"grpc.max_send_msg_size": "lots"}},
		{"bad bool", map[string]string{"audit.enabled": "perhaps"}},
		{"ignored field", map[string]string{"client.dial_options": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().WithCmdArgs(tt.args).Load()
			assert.Error(t, err)
		})
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides([]string{"dispatch.timeout=2s", "cluster.members=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dispatch.timeout": "2s", "cluster.members": "a=b"}, got)

	_, err = ParseOverrides([]string{"dispatch.timeout"})
	assert.Error(t, err)
	_, err = ParseOverrides([]string{"=2s"})
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = "nope"
	cfg.Participant.Name = ""
	cfg.Cluster.Service = "bad::name"
	cfg.Cluster.Members = []string{"::task-routing-receiver@x:1"}
	cfg.Cluster.Redis.Addr = "redis:6379"
	cfg.Cluster.Redis.HeartbeatInterval = time.Minute
	cfg.Dispatch.Timeout = 0
	cfg.Audit.Enabled = true
	cfg.Audit.Driver = "sqlite"
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"server.address",
		"participant.name",
		"cluster.service",
		"cluster.members[0]",
		"cluster.redis.heartbeat_interval",
		"dispatch.timeout",
		"audit.driver",
		"audit.host",
		"audit.database",
		"logging.file_path",
	}, verrs.Fields())
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{":7400", true},
		{"localhost:7400", true},
		{"10.0.0.1:7400", true},
		{"[::1]:7400", true},
		{"broker-1.internal:7400", true},
		{"localhost", false},
		{":", false},
		{"-bad-:7400", false},
		{"host:notaport", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.valid, isValidAddress(tt.addr))
		})
	}
}

func TestLoadAndValidate(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"logging.level": "loud"}).LoadAndValidate()
	assert.Error(t, err)

	cfg, err := NewLoader().LoadAndValidate()
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
