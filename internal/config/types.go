package config

// Config is the on-disk configuration. JSON and YAML share this shape.
//
// Durations are Go duration strings. Stream intervals additionally accept
// "off", "max"/"unlimited" and rates such as "10hz" (see ParseInterval).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Link      LinkConfig      `json:"link"`

	// Streams are registered in list order, which is also tick order.
	Streams  []StreamConfig  `json:"streams"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Status  StatusConfig   `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop.
//
// Defaults:
//   - tick: "10ms"
//   - start_policy: "immediate" (first tick sends); "delayed" waits one interval
//   - idle_factor: 3 (0 disables idle reporting)
type SchedulerConfig struct {
	Tick        string   `json:"tick,omitempty"`
	StartPolicy string   `json:"start_policy,omitempty"`
	IdleFactor  *float64 `json:"idle_factor,omitempty"`
}

// LinkConfig describes the shared output link.
//
// Example:
//
//	"link": { "bandwidth": "56kB", "output": "udp://127.0.0.1:14550" }
type LinkConfig struct {
	// Bandwidth is bytes per second in humanized form ("56kB", "1MiB").
	Bandwidth string `json:"bandwidth"`
	Burst     string `json:"burst,omitempty"`
	// Output is "stdout", "discard", "udp://host:port" or a file path.
	Output        string      `json:"output,omitempty"`
	Session       string      `json:"session,omitempty"`
	MinMultiplier float64     `json:"min_multiplier,omitempty"`
	MaxMultiplier float64     `json:"max_multiplier,omitempty"`
	Probe         ProbeConfig `json:"probe,omitempty"`
}

// ProbeConfig controls the periodic uplink measurement.
type ProbeConfig struct {
	Enabled        bool   `json:"enabled"`
	Every          string `json:"every,omitempty"`   // default "30m"
	Timeout        string `json:"timeout,omitempty"` // default "2m"
	ServerCount    int    `json:"server_count,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
}

// StreamConfig is one scheduled stream. Kind defaults to Name.
type StreamConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Interval string `json:"interval"`
	// Enabled=false registers the stream with interval 0 so it stays
	// available for manual sends.
	Enabled     *bool  `json:"enabled,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
}

// TriggerConfig fires a manual send of Stream on a cron schedule.
type TriggerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Stream   string `json:"stream"`
}

// StorageConfig controls stats persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./telemetryd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	FlushEvery  string `json:"flush_every,omitempty"`  // default "30s"
}

// StatusConfig controls the optional HTTP status server.
//
// Prefer binding to localhost. A non-loopback address requires a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:7070"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
