package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jaywantadh/xferd/pkg/env"
)

// ClientConfig holds the sender defaults used by the CLI.
type ClientConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"required"`
	ChunkSize       int64  `mapstructure:"chunk_size" validate:"gt=0,lte=67108864"`
	MaxChunkRetries int    `mapstructure:"max_chunk_retries" validate:"gte=0,lte=100"`
	DigestAlgorithm string `mapstructure:"digest_algorithm" validate:"oneof=blake3 blake2b256 sha256"`
	Compress        bool   `mapstructure:"compress"`
	JournalPath     string `mapstructure:"journal_path" validate:"required"`
	Parallelism     int    `mapstructure:"parallelism" validate:"gte=1,lte=64"`
}

// DaemonConfig holds the reference receiver settings.
type DaemonConfig struct {
	ListenAddr   string `mapstructure:"listen_addr" validate:"required,hostname_port"`
	StoragePath  string `mapstructure:"storage_path" validate:"required"`
	MetadataPath string `mapstructure:"metadata_path" validate:"required"`
	MaxFileSize  int64  `mapstructure:"max_file_size" validate:"gt=0"`
	MaxChunkSize uint32 `mapstructure:"max_chunk_size" validate:"gt=0,lte=67108864"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	JSON  bool   `mapstructure:"json"`
}

// AppConfig holds the application-level configuration
type AppConfig struct {
	Client ClientConfig `mapstructure:"client"`
	Daemon DaemonConfig `mapstructure:"daemon"`
	Log    LogConfig    `mapstructure:"log"`
}

var Config *AppConfig

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.endpoint", "localhost:7070")
	v.SetDefault("client.chunk_size", 1024*1024)
	v.SetDefault("client.max_chunk_retries", 3)
	v.SetDefault("client.digest_algorithm", "blake3")
	v.SetDefault("client.compress", false)
	v.SetDefault("client.journal_path", "./data/journal")
	v.SetDefault("client.parallelism", 2)

	v.SetDefault("daemon.listen_addr", "localhost:7070")
	v.SetDefault("daemon.storage_path", "./data/received")
	v.SetDefault("daemon.metadata_path", "./data/daemon-meta")
	v.SetDefault("daemon.max_file_size", int64(64)*1024*1024*1024)
	v.SetDefault("daemon.max_chunk_size", 4*1024*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// LoadConfig reads config.yaml from path, applies XFERD_* environment
// overrides and validates the result. A missing file is not an error.
// An empty path falls back to XFERD_CONFIG_DIR, then the working directory.
func LoadConfig(path string) (*AppConfig, error) {
	if path == "" {
		path = env.GetEnv("XFERD_CONFIG_DIR", ".")
	}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("XFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := validate.Struct(&appConfig); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	Config = &appConfig
	return &appConfig, nil
}
