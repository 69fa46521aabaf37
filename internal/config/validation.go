package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/taskbus/internal/cluster"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the paths of the invalid fields in report order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate checks the whole configuration and reports every problem found.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServer(cfg)
	v.validateGRPC(cfg)
	v.validateParticipant(cfg)
	v.validateCluster(cfg)
	v.validateTimings(cfg)
	v.validateAudit(cfg)
	v.validateLogging(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(cfg *Config) {
	v.address("server.address", cfg.Server.Address, true)
	v.nonNegative("server.read_timeout", cfg.Server.ReadTimeout)
	v.nonNegative("server.write_timeout", cfg.Server.WriteTimeout)
}

func (v *Validator) validateGRPC(cfg *Config) {
	v.address("grpc.address", cfg.GRPC.Address, true)
	if cfg.GRPC.MaxRecvMsgSize < 0 {
		v.addError("grpc.max_recv_msg_size", "max receive message size must be non-negative")
	}
	if cfg.GRPC.MaxSendMsgSize < 0 {
		v.addError("grpc.max_send_msg_size", "max send message size must be non-negative")
	}
	v.nonNegative("grpc.connection_timeout", cfg.GRPC.ConnectionTimeout)
	if cfg.Client.MaxCallRecvMsgSize < 0 {
		v.addError("client.max_call_recv_msg_size", "max call receive message size must be non-negative")
	}
}

func (v *Validator) validateParticipant(cfg *Config) {
	if cfg.Participant.Subsystem == "" {
		v.addError("participant.subsystem", "subsystem is required")
	}
	if cfg.Participant.Name == "" {
		v.addError("participant.name", "name is required")
	}
}

func (v *Validator) validateCluster(cfg *Config) {
	c := cfg.Cluster
	if c.Service == "" {
		v.addError("cluster.service", "service is required")
	} else if strings.ContainsAny(c.Service, ":@") {
		v.addError("cluster.service", "service must not contain ':' or '@'")
	}
	v.address("cluster.advertise_address", c.AdvertiseAddress, false)
	for i, member := range c.Members {
		if _, ok := cluster.ParseAddress(member); !ok {
			v.addError(fmt.Sprintf("cluster.members[%d]", i), fmt.Sprintf("invalid membership address '%s'", member))
		}
	}
	if c.RefreshInterval <= 0 {
		v.addError("cluster.refresh_interval", "refresh interval must be positive")
	}
	if c.Redis.Enabled() {
		v.address("cluster.redis.addr", c.Redis.Addr, true)
		if c.Redis.TTL <= 0 {
			v.addError("cluster.redis.ttl", "ttl must be positive")
		}
		if c.Redis.HeartbeatInterval <= 0 {
			v.addError("cluster.redis.heartbeat_interval", "heartbeat interval must be positive")
		} else if c.Redis.TTL > 0 && c.Redis.HeartbeatInterval >= c.Redis.TTL {
			v.addError("cluster.redis.heartbeat_interval", "heartbeat interval should be less than ttl")
		}
	}
}

func (v *Validator) validateTimings(cfg *Config) {
	if cfg.Dispatch.Timeout <= 0 {
		v.addError("dispatch.timeout", "timeout must be positive")
	}

	b := cfg.Broker
	v.nonNegative("broker.liveness_timeout", b.LivenessTimeout)
	if b.LivenessTimeout > 0 && b.SweepInterval <= 0 {
		v.addError("broker.sweep_interval", "sweep interval must be positive when liveness timeout is set")
	}
	if b.CheckCapacity < 0 {
		v.addError("broker.check_capacity", "check capacity must be non-negative")
	}
	v.nonNegative("broker.check_interval", b.CheckInterval)
	if b.PublishWorkers < 0 {
		v.addError("broker.publish_workers", "publish workers must be non-negative")
	}

	if cfg.Metrics.PushGatewayURL != "" && cfg.Metrics.PushInterval <= 0 {
		v.addError("metrics.push_interval", "push interval must be positive when a push gateway is set")
	}
}

func (v *Validator) validateAudit(cfg *Config) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if !slice.Contain([]string{"mysql", "postgres"}, a.Driver) {
		v.addError("audit.driver", fmt.Sprintf("invalid driver '%s', must be one of: mysql, postgres", a.Driver))
	}
	if a.Host == "" {
		v.addError("audit.host", "host is required when audit is enabled")
	}
	if a.Port <= 0 || a.Port > 65535 {
		v.addError("audit.port", "port must be between 1 and 65535")
	}
	if a.Database == "" {
		v.addError("audit.database", "database is required when audit is enabled")
	}
}

func (v *Validator) validateLogging(cfg *Config) {
	l := cfg.Logging
	if !slice.Contain([]string{"debug", "info", "warn", "error"}, strings.ToLower(l.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", l.Level))
	}
	if !slice.Contain([]string{"json", "console"}, strings.ToLower(l.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", l.Format))
	}
	switch strings.ToLower(l.Output) {
	case "", "stdout":
	case "file", "both":
		if l.FilePath == "" {
			v.addError("logging.file_path", "file path is required for file output")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", l.Output))
	}
}

func (v *Validator) nonNegative(field string, d time.Duration) {
	if d < 0 {
		v.addError(field, "duration must be non-negative")
	}
}

func (v *Validator) address(field, addr string, required bool) {
	if addr == "" {
		if required {
			v.addError(field, "address is required")
		}
		return
	}
	if !isValidAddress(addr) {
		v.addError(field, "invalid address format, expected host:port or :port")
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration and validates it.
func (l *Loader) LoadAndValidate() (*Config, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
