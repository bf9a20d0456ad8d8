package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Device    string `yaml:"device"` // wav, mock
	Path      string `yaml:"path"`
	FrameSize int    `yaml:"frame_size"`
}

type PlaybackConfig struct {
	Sink   string `yaml:"sink"` // wav, mock
	Path   string `yaml:"path"`
	TickMS int    `yaml:"tick_ms"`
}

type TransportConfig struct {
	Variant        string `yaml:"variant"` // realtime, buffered
	URL            string `yaml:"url"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
}

type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type VoiceConfig struct {
	VADThreshold        float64 `yaml:"vad_threshold"`
	ErrorGraceMS        int     `yaml:"error_grace_ms"`
	InactivityTimeoutMS int     `yaml:"inactivity_timeout_ms"`
}

type ToolsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Directory      string `yaml:"directory"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Transport   TransportConfig `yaml:"transport"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	Voice       VoiceConfig     `yaml:"voice"`
	Tools       ToolsConfig     `yaml:"tools"`
}

func Default() Config {
	return Config{
		RuntimeName: "spark-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Device:    "mock",
			FrameSize: 4096,
		},
		Playback: PlaybackConfig{
			Sink:   "mock",
			TickMS: 16,
		},
		Transport: TransportConfig{
			Variant:        "realtime",
			URL:            "ws://localhost:9000/voice",
			ConnectTimeout: 5000,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelayMS: 2000,
		},
		Voice: VoiceConfig{
			VADThreshold:        0.12,
			ErrorGraceMS:        1500,
			InactivityTimeoutMS: 15000,
		},
		Tools: ToolsConfig{
			Enabled:        false,
			Directory:      "./tools",
			MaxConcurrency: 2,
			TimeoutMS:      10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPARK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPARK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPARK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPARK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPARK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPARK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPARK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SPARK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPARK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPARK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPARK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPARK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPARK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPARK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPARK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Device, "SPARK_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Path, "SPARK_CAPTURE_PATH")
	overrideInt(&cfg.Capture.FrameSize, "SPARK_CAPTURE_FRAME_SIZE")
	overrideString(&cfg.Playback.Sink, "SPARK_PLAYBACK_SINK")
	overrideString(&cfg.Playback.Path, "SPARK_PLAYBACK_PATH")
	overrideInt(&cfg.Playback.TickMS, "SPARK_PLAYBACK_TICK_MS")
	overrideString(&cfg.Transport.Variant, "SPARK_TRANSPORT_VARIANT")
	overrideString(&cfg.Transport.URL, "SPARK_TRANSPORT_URL")
	overrideInt(&cfg.Transport.ConnectTimeout, "SPARK_TRANSPORT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Reconnect.MaxAttempts, "SPARK_RECONNECT_MAX_ATTEMPTS")
	overrideInt(&cfg.Reconnect.BaseDelayMS, "SPARK_RECONNECT_BASE_DELAY_MS")
	overrideFloat(&cfg.Voice.VADThreshold, "SPARK_VOICE_VAD_THRESHOLD")
	overrideInt(&cfg.Voice.ErrorGraceMS, "SPARK_VOICE_ERROR_GRACE_MS")
	overrideInt(&cfg.Voice.InactivityTimeoutMS, "SPARK_VOICE_INACTIVITY_TIMEOUT_MS")
	overrideBool(&cfg.Tools.Enabled, "SPARK_TOOLS_ENABLED")
	overrideString(&cfg.Tools.Directory, "SPARK_TOOLS_DIRECTORY")
	overrideInt(&cfg.Tools.MaxConcurrency, "SPARK_TOOLS_MAX_CONCURRENCY")
	overrideInt(&cfg.Tools.TimeoutMS, "SPARK_TOOLS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Device {
	case "wav", "mock":
	default:
		return errors.New("capture.device must be one of wav|mock")
	}
	if cfg.Capture.Device == "wav" && cfg.Capture.Path == "" {
		return errors.New("capture.path must be set when capture.device=wav")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	switch cfg.Playback.Sink {
	case "wav", "mock":
	default:
		return errors.New("playback.sink must be one of wav|mock")
	}
	if cfg.Playback.Sink == "wav" && cfg.Playback.Path == "" {
		return errors.New("playback.path must be set when playback.sink=wav")
	}
	if cfg.Playback.TickMS <= 0 {
		return errors.New("playback.tick_ms must be positive")
	}
	switch cfg.Transport.Variant {
	case "realtime", "buffered":
	default:
		return errors.New("transport.variant must be one of realtime|buffered")
	}
	if cfg.Transport.URL == "" {
		return errors.New("transport.url must not be empty")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be positive")
	}
	if cfg.Reconnect.BaseDelayMS <= 0 {
		return errors.New("reconnect.base_delay_ms must be positive")
	}
	if cfg.Voice.VADThreshold <= 0 || cfg.Voice.VADThreshold >= 1 {
		return errors.New("voice.vad_threshold must be in (0, 1)")
	}
	if cfg.Voice.ErrorGraceMS < 0 {
		return errors.New("voice.error_grace_ms must be >= 0")
	}
	if cfg.Voice.InactivityTimeoutMS < 0 {
		return errors.New("voice.inactivity_timeout_ms must be >= 0")
	}
	if cfg.Tools.Enabled {
		if cfg.Tools.Directory == "" {
			return errors.New("tools.directory must not be empty when tools are enabled")
		}
		if cfg.Tools.MaxConcurrency <= 0 {
			return errors.New("tools.max_concurrency must be >= 1")
		}
		if cfg.Tools.TimeoutMS <= 0 {
			return errors.New("tools.timeout_ms must be positive")
		}
	}
	return nil
}
