// Package config holds the kernel's compile-time tunables and an optional
// host-side YAML overlay for tests and demos: a defaults-plus-override
// loader, the same shape config loaders take throughout the codebase.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/mcukernel/kernel/utils"
)

// Config mirrors the kernel's compile-time tunables. On real target
// firmware these would be `const`; here they're a value so the host
// simulation and its tests can exercise multiple configurations.
type Config struct {
	WorkerPoolSize             int    `yaml:"worker_pool_size"`
	MessageBankSize            int    `yaml:"message_bank_size"`
	WorkerStackWords           int    `yaml:"worker_stack_words"`
	WorkerTimeSliceMicros      uint32 `yaml:"worker_time_slice_micros"`
	DispatcherMaxIdleMicros    uint32 `yaml:"dispatcher_max_idle_micros"`
	DispatcherNoIdleForSignals bool   `yaml:"dispatcher_no_idle_for_signals"`
	DispatcherMulticore        bool   `yaml:"dispatcher_multicore"`
}

// Default returns the kernel's documented defaults.
func Default() Config {
	return Config{
		WorkerPoolSize:             20,
		MessageBankSize:            50,
		WorkerStackWords:           1024,
		WorkerTimeSliceMicros:      1000,
		DispatcherMaxIdleMicros:    700,
		DispatcherNoIdleForSignals: true,
		DispatcherMulticore:        true,
	}
}

// Load starts from Default() and overlays any fields present in the YAML
// file at path. A missing file is not an error — it just means "use
// defaults".
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, utils.WrapError(err, "read config overlay")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, utils.WrapError(err, "parse config overlay")
	}
	return cfg, nil
}

// LoadFromEnv loads the overlay named by the given environment variable, if
// set, else falls back to Default().
func LoadFromEnv(envVar string) (Config, error) {
	return Load(os.Getenv(envVar))
}
