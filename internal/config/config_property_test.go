package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// For any valid configuration, deserialize(serialize(config)) == config.
func TestConfigRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("config round-trip preserves data", prop.ForAll(
		func(cfg *Config) bool {
			data, err := cfg.Serialize()
			if err != nil {
				return false
			}
			parsed, err := ParseConfig(data)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(cfg, parsed)
		},
		genConfig(),
	))

	properties.TestingRun(t)
}

// Generated configurations always pass validation.
func TestGeneratedConfigIsValidProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("generated config validates", prop.ForAll(
		func(cfg *Config) bool {
			return cfg.Validate() == nil
		},
		genConfig(),
	))

	properties.TestingRun(t)
}

// A command override always wins, whatever the environment says.
func TestCmdOverrideWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("command override wins over env", prop.ForAll(
		func(envSeconds, cmdSeconds int) bool {
			env := map[string]string{"TB_DISPATCH_TIMEOUT": fmt.Sprintf("%ds", envSeconds)}
			cfg, err := NewLoader().
				WithEnvLookup(func(k string) (string, bool) {
					v, ok := env[k]
					return v, ok
				}).
				WithCmdArgs(map[string]string{"dispatch.timeout": (time.Duration(cmdSeconds) * time.Second).String()}).
				Load()
			if err != nil {
				return false
			}
			return cfg.Dispatch.Timeout == time.Duration(cmdSeconds)*time.Second
		},
		gen.IntRange(1, 3600),
		gen.IntRange(1, 3600),
	))

	properties.TestingRun(t)
}

func genConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1024, 65535),
		gen.IntRange(1024, 65535),
		gen.IntRange(1, 60),
		gen.Bool(),
		gen.SliceOfN(2, gen.Identifier()),
		gen.IntRange(1, 30),
		gen.OneConstOf("debug", "info", "warn", "error"),
		gen.OneConstOf("json", "console"),
	).Map(func(values []interface{}) *Config {
		cfg := DefaultConfig()
		cfg.Server.Address = fmt.Sprintf(":%d", values[0].(int))
		cfg.Server.ReadTimeout = time.Duration(values[2].(int)) * time.Second
		cfg.Server.EnableCORS = values[3].(bool)
		cfg.GRPC.Address = fmt.Sprintf(":%d", values[1].(int))
		cfg.GRPC.MaxRecvMsgSize = values[2].(int) * 1024 * 1024

		services := values[4].([]string)
		cfg.Cluster.Members = make([]string, 0, len(services))
		for i, service := range services {
			cfg.Cluster.Members = append(cfg.Cluster.Members,
				fmt.Sprintf("%s::task-routing-receiver@node-%d:%d", service, i, values[1].(int)))
		}
		cfg.Dispatch.Timeout = time.Duration(values[5].(int)) * time.Second
		cfg.Logging.Level = values[6].(string)
		cfg.Logging.Format = values[7].(string)
		return cfg
	})
}
