package config

import (
	"time"

	"github.com/sadewadee/edgeloop/internal/wire"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:        "0.0.0.0:8080",
			Backlog:        128,
			MaxPayloadSize: wire.MaxPayloadLength,
		},
		Pool: PoolConfig{
			MinWorkers:      2,
			MaxWorkers:      8,
			AllocateTimeout: Duration(5 * time.Second),
		},
		Monitor: MonitorConfig{
			Enabled:          false,
			Address:          "127.0.0.1:9090",
			SnapshotInterval: Duration(2 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Dispatch: DispatchConfig{
			CloseOnUnknownType: false,
		},
	}
}
