// Package config loads service and client settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration holds all settings for the transcription server and the
// capture client.
type Configuration struct {
	Service       ServiceConfig
	Client        ClientConfig
	STT           STTConfig
	Limits        ChunkLimits
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds server identity settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	Environment string
}

// ClientConfig holds capture client settings.
type ClientConfig struct {
	ServerURL        string
	Source           string // "mic" or a .wav/.mp3 path
	FramesPerBuffer  int
	Realtime         bool // pace file replay at the audio's own rate
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ConnectWait      time.Duration
}

// STTConfig holds recognizer settings.
type STTConfig struct {
	Provider      string // mock, google, yandex
	LanguageCode  string
	SampleRateHz  int
	AudioEncoding string // WEBM_OPUS, LINEAR16
	Model         string
	UseEnhanced   bool
	Punctuation   bool
	Timeout       time.Duration

	YandexEndpoint string
	YandexIAMToken string
	YandexFolderID string
}

// AcceptsPCM reports whether the configured recognizer can decode the raw
// 16-bit PCM that the capture devices emit. The mock provider ignores the
// audio encoding.
func (c STTConfig) AcceptsPCM() bool {
	return c.Provider == "mock" || c.AudioEncoding == "LINEAR16"
}

// ChunkLimits bound the size of a single inbound audio message.
type ChunkLimits struct {
	MinChunkBytes int
	MaxChunkBytes int
}

// KafkaConfig holds transcript event publishing settings.
type KafkaConfig struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	Principal string
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string // json or console
	MetricsAddr string
}

// LoadDotEnv loads variables from the given files, or .env when none are
// given. Variables already set are not overridden and a missing file is not
// an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Load reads configuration from environment variables, falling back to
// defaults for unset or unparsable values.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-transcriber")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			Environment: envOrDefault("ENV", "prod"),
		},
		Client: ClientConfig{
			ServerURL:        envOrDefault("CAPTURE_SERVER_URL", "ws://127.0.0.1:8080"),
			Source:           envOrDefault("CAPTURE_SOURCE", "mic"),
			FramesPerBuffer:  envOrDefaultInt("CAPTURE_FRAMES_PER_BUFFER", 1024),
			Realtime:         envOrDefaultBool("CAPTURE_REALTIME", true),
			HandshakeTimeout: envOrDefaultDuration("CAPTURE_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     envOrDefaultDuration("CAPTURE_WRITE_TIMEOUT", 10*time.Second),
			ConnectWait:      envOrDefaultDuration("CAPTURE_CONNECT_WAIT", 10*time.Second),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "es-ES"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 48000),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "WEBM_OPUS"),
			Model:          envOrDefault("STT_MODEL", "default"),
			UseEnhanced:    envOrDefaultBool("STT_USE_ENHANCED", true),
			Punctuation:    envOrDefaultBool("STT_AUTOMATIC_PUNCTUATION", true),
			Timeout:        envOrDefaultDuration("STT_TIMEOUT", 30*time.Second),
			YandexEndpoint: envOrDefault("YANDEX_STT_ENDPOINT", "stt.api.cloud.yandex.net:443"),
			YandexIAMToken: os.Getenv("YANDEX_IAM_TOKEN"),
			YandexFolderID: os.Getenv("YANDEX_FOLDER_ID"),
		},
		Limits: ChunkLimits{
			MinChunkBytes: envOrDefaultInt("CHUNK_MIN_BYTES", 100),
			MaxChunkBytes: envOrDefaultInt("CHUNK_MAX_BYTES", 10*1024*1024),
		},
		Kafka: KafkaConfig{
			Enabled:   envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:   envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:     envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "speech.transcript.fragment"),
			Principal: envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
