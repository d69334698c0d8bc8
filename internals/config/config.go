package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Signaling SignalingConfig `yaml:"signaling"`
	VAD       VADConfig       `yaml:"vad"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRooms        int           `yaml:"max_rooms"`
	MaxPeersPerRoom int           `yaml:"max_peers_per_room"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// JoinCreatesRoom makes join on an unknown room id allocate the room
	// instead of failing with room not found.
	JoinCreatesRoom bool `yaml:"join_creates_room"`
}

type EngineConfig struct {
	NumWorkers   int       `yaml:"num_workers"`
	RTCPortRange PortRange `yaml:"rtc_port_range"`
	AnnouncedIP  string    `yaml:"announced_ip"`
	AudioCodecs  []string  `yaml:"audio_codecs"`
	VideoCodecs  []string  `yaml:"video_codecs"`
}

type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	RoomTTL  time.Duration `yaml:"room_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SignalingConfig struct {
	ReadLimit       int64         `yaml:"read_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxRoomIDLength int           `yaml:"max_room_id_length"`
	MaxNameLength   int           `yaml:"max_name_length"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// VADConfig carries the voice activity defaults handed to clients.
type VADConfig struct {
	ThresholdDB     float64       `yaml:"threshold_db"`
	FramesThreshold int           `yaml:"frames_threshold"`
	SpeakingDelay   time.Duration `yaml:"speaking_delay"`
	SilenceDelay    time.Duration `yaml:"silence_delay"`
	Tick            time.Duration `yaml:"tick"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("HUDDLE_HOST", "0.0.0.0"),
			Port:            getEnvInt("HUDDLE_PORT", 3000),
			ReadTimeout:     time.Duration(getEnvInt("HUDDLE_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HUDDLE_WRITE_TIMEOUT", 30)) * time.Second,
			MaxRooms:        getEnvInt("HUDDLE_MAX_ROOMS", 1000),
			MaxPeersPerRoom: getEnvInt("HUDDLE_MAX_PEERS_PER_ROOM", 50),
			AllowedOrigins:  getEnvList("HUDDLE_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("HUDDLE_SHUTDOWN_TIMEOUT", 10)) * time.Second,
			JoinCreatesRoom: getEnvBool("HUDDLE_JOIN_CREATES_ROOM", false),
		},
		Engine: EngineConfig{
			NumWorkers: getEnvInt("HUDDLE_ENGINE_WORKERS", 2),
			RTCPortRange: PortRange{
				Min: uint16(getEnvInt("HUDDLE_RTC_MIN_PORT", 40000)),
				Max: uint16(getEnvInt("HUDDLE_RTC_MAX_PORT", 49999)),
			},
			AnnouncedIP: getEnv("HUDDLE_ANNOUNCED_IP", "127.0.0.1"),
			AudioCodecs: getEnvList("HUDDLE_AUDIO_CODECS", []string{"audio/opus"}),
			VideoCodecs: getEnvList("HUDDLE_VIDEO_CODECS", []string{"video/VP8", "video/H264"}),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			RoomTTL:  time.Duration(getEnvInt("REDIS_ROOM_TTL_SEC", 60)) * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Signaling: SignalingConfig{
			ReadLimit:       int64(getEnvInt("HUDDLE_WS_READ_LIMIT", 262144)),
			WriteTimeout:    time.Duration(getEnvInt("HUDDLE_WS_WRITE_TIMEOUT", 10)) * time.Second,
			PongTimeout:     time.Duration(getEnvInt("HUDDLE_WS_PONG_TIMEOUT", 60)) * time.Second,
			PingInterval:    time.Duration(getEnvInt("HUDDLE_WS_PING_INTERVAL", 54)) * time.Second,
			SendBuffer:      getEnvInt("HUDDLE_WS_SEND_BUFFER", 256),
			RateLimitPerSec: float64(getEnvInt("HUDDLE_RATE_LIMIT_PER_SEC", 50)),
			RateLimitBurst:  getEnvInt("HUDDLE_RATE_LIMIT_BURST", 100),
			MaxRoomIDLength: getEnvInt("HUDDLE_MAX_ROOM_ID_LENGTH", 128),
			MaxNameLength:   getEnvInt("HUDDLE_MAX_NAME_LENGTH", 64),
			RequestTimeout:  time.Duration(getEnvInt("HUDDLE_REQUEST_TIMEOUT", 10)) * time.Second,
		},
		VAD: VADConfig{
			ThresholdDB:     float64(getEnvInt("HUDDLE_VAD_THRESHOLD_DB", -50)),
			FramesThreshold: getEnvInt("HUDDLE_VAD_FRAMES", 4),
			SpeakingDelay:   time.Duration(getEnvInt("HUDDLE_VAD_SPEAKING_DELAY_MS", 50)) * time.Millisecond,
			SilenceDelay:    time.Duration(getEnvInt("HUDDLE_VAD_SILENCE_DELAY_MS", 200)) * time.Millisecond,
			Tick:            time.Duration(getEnvInt("HUDDLE_VAD_TICK_MS", 20)) * time.Millisecond,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList reads a comma separated list, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
