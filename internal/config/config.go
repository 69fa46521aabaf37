package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/taskbus/api/grpc/client"
	"yqhp/taskbus/api/grpc/server"
	"yqhp/taskbus/api/rest"
	"yqhp/taskbus/internal/audit"
	"yqhp/taskbus/internal/broker"
	"yqhp/taskbus/internal/cluster"
	"yqhp/taskbus/internal/dispatch"
	"yqhp/taskbus/internal/metrics"
	"yqhp/taskbus/pkg/logger"
	"yqhp/taskbus/pkg/types"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "TB_"

// Config represents the complete configuration of a taskbus node.
//
// Section fields carry an env tag naming their segment, so a field tagged
// `env:"ADDRESS"` inside the section tagged `env:"GRPC"` is read from
// TB_GRPC_ADDRESS.
type Config struct {
	Server      rest.Config       `yaml:"server" env:"SERVER"`
	GRPC        server.Config     `yaml:"grpc" env:"GRPC"`
	Client      client.Config     `yaml:"client" env:"CLIENT"`
	Participant ParticipantConfig `yaml:"participant" env:"PARTICIPANT"`
	Cluster     ClusterConfig     `yaml:"cluster" env:"CLUSTER"`
	Dispatch    dispatch.Config   `yaml:"dispatch" env:"DISPATCH"`
	Broker      broker.Config     `yaml:"broker" env:"BROKER"`
	Audit       audit.Config      `yaml:"audit" env:"AUDIT"`
	Metrics     metrics.Config    `yaml:"metrics" env:"METRICS"`
	Topology    TopologyConfig    `yaml:"topology" env:"TOPOLOGY"`
	Logging     logger.Config     `yaml:"logging" env:"LOG"`
}

// ParticipantConfig identifies this node on the bus.
type ParticipantConfig struct {
	Subsystem string `yaml:"subsystem" env:"SUBSYSTEM"`
	Workshop  string `yaml:"workshop" env:"WORKSHOP"`
	Name      string `yaml:"name" env:"NAME"`
	Version   string `yaml:"version" env:"VERSION"`
}

// ID returns the participant identifier.
func (p ParticipantConfig) ID() types.ParticipantID {
	return types.NewParticipantID(p.Subsystem, p.Workshop, p.Name, p.Version)
}

// ClusterConfig holds membership and addressing configuration.
type ClusterConfig struct {
	// Service is the logical service name this node announces.
	Service string `yaml:"service" env:"SERVICE"`
	// AdvertiseAddress is the host:port peers dial. Empty means the node
	// is only reachable in-process.
	AdvertiseAddress string `yaml:"advertise_address" env:"ADVERTISE_ADDRESS"`
	// Members is the static membership list used when redis is disabled.
	Members []string `yaml:"members" env:"MEMBERS"`
	// RefreshInterval is the interval between cluster view refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	Redis           RedisConfig   `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures redis backed membership. An empty Addr disables it.
type RedisConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	Password          string        `yaml:"password" env:"PASSWORD"`
	DB                int           `yaml:"db" env:"DB"`
	Key               string        `yaml:"key" env:"KEY"`
	TTL               time.Duration `yaml:"ttl" env:"TTL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// Enabled reports whether redis membership is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// TopologyConfig points at the deployment placement table.
type TopologyConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SelfAddress returns the membership address this node announces.
func (c *Config) SelfAddress() string {
	return cluster.FormatAddress(c.Cluster.Service, types.FunctionTaskRoutingReceiver, c.Cluster.AdvertiseAddress)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: *rest.DefaultConfig(),
		GRPC:   *server.DefaultConfig(),
		Client: *client.DefaultConfig(),
		Participant: ParticipantConfig{
			Subsystem: "integration",
			Name:      "TaskBroker",
			Version:   "1.0.0",
		},
		Cluster: ClusterConfig{
			Service:          "task-broker",
			AdvertiseAddress: "localhost:7400",
			Members:          []string{},
			RefreshInterval:  5 * time.Second,
			Redis: RedisConfig{
				Key:               "taskbus:members",
				TTL:               15 * time.Second,
				HeartbeatInterval: 5 * time.Second,
			},
		},
		Dispatch: *dispatch.DefaultConfig(),
		Broker:   *broker.DefaultConfig(),
		Audit: audit.Config{
			Driver:          "mysql",
			Port:            3306,
			Charset:         "utf8mb4",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: 3600,
			AutoMigrate:     true,
			Workers:         4,
		},
		Metrics:  *metrics.DefaultConfig(),
		Topology: TopologyConfig{},
		Logging: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			FilePath:   "logs/taskbus.log",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets key.path=value overrides.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnvLookup replaces the environment lookup.
func (l *Loader) WithEnvLookup(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load loads configuration from all sources with precedence
// defaults < YAML file < environment variables < command-line overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply command overrides: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// applyEnvToStruct walks the struct, joining section tags into the
// variable name.
func (l *Loader) applyEnvToStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		envTag := fieldType.Tag.Get("env")

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			next := prefix
			if envTag != "" {
				next = prefix + envTag + "_"
			}
			if err := l.applyEnvToStruct(field, next); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		name := prefix + envTag
		value, ok := l.lookupEnv(name)
		if !ok || value == "" {
			continue
		}

		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("set %s from %s: %w", fieldType.Name, name, err)
		}
	}
	return nil
}

func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// ParseOverrides splits key.path=value arguments into a map.
func ParseOverrides(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key.path=value", arg)
		}
		out[key] = value
	}
	return out, nil
}

// setConfigValue sets a configuration value by its dotted yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("expected %s to be a section, got %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

// fieldByYAMLName finds a field by yaml tag, falling back to a case
// insensitive match on the Go name with underscores dropped.
func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	plain := strings.ReplaceAll(name, "_", "")
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if tag == "-" {
			continue
		}
		if tag == name || strings.EqualFold(f.Name, plain) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %w", err)
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
