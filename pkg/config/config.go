// Package config loads settings shared by the command line tools from a
// voicevox.yaml file and VOICEVOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Core    CoreConfig    `mapstructure:"core"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CoreConfig describes how the native library is loaded and initialized.
type CoreConfig struct {
	LibraryPath         string   `mapstructure:"library_path"`          // LibraryPath is the shared library; empty searches the usual locations
	OpenJtalkDictDir    string   `mapstructure:"open_jtalk_dict_dir"`   // OpenJtalkDictDir is the OpenJTalk dictionary directory
	AccelerationMode    string   `mapstructure:"acceleration_mode"`     // auto, cpu or gpu
	CPUNumThreads       uint16   `mapstructure:"cpu_num_threads"`       // 0 lets the library decide
	LoadAllModels       bool     `mapstructure:"load_all_models"`       // LoadAllModels loads every model at initialize
	Workers             int      `mapstructure:"workers"`               // Workers is the number of native call threads
	StrictVersion       bool     `mapstructure:"strict_version"`        // StrictVersion refuses untested library versions
	AudioQueryOwnership string   `mapstructure:"audio_query_ownership"` // free or retain
	PreloadSpeakers     []uint32 `mapstructure:"preload_speakers"`      // PreloadSpeakers are loaded at startup
}

type ServerConfig struct {
	Address    string   `mapstructure:"address"`
	APIKey     string   `mapstructure:"api_key"`
	FfmpegPath string   `mapstructure:"ffmpeg_path"`
	RateLimit  float64  `mapstructure:"rate_limit"` // requests per second for synthesis routes, 0 disables
	RateBurst  int      `mapstructure:"rate_burst"`
	CORSOrigin []string `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("core.library_path", "")
	v.SetDefault("core.open_jtalk_dict_dir", "./open_jtalk_dic_utf_8-1.11")
	v.SetDefault("core.acceleration_mode", "auto")
	v.SetDefault("core.cpu_num_threads", 0)
	v.SetDefault("core.load_all_models", false)
	v.SetDefault("core.workers", 1)
	v.SetDefault("core.strict_version", false)
	v.SetDefault("core.audio_query_ownership", "free")
	v.SetDefault("core.preload_speakers", []uint32{})
	v.SetDefault("server.address", "127.0.0.1:50021")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.ffmpeg_path", "ffmpeg")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 4)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 0)
	v.SetDefault("logging.max_backups", 0)
	v.SetDefault("logging.max_age_days", 0)
}

// Load reads configFile, or when it is empty the first voicevox.yaml found in
// ., ./configs and /etc/voicevox. A missing file is not an error. Environment
// variables such as VOICEVOX_CORE_LIBRARY_PATH override file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("voicevox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/voicevox")
	}

	v.SetEnvPrefix("VOICEVOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Debug().Msg("no config file found, using defaults and environment variables")
	} else {
		log.Debug().Str("path", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Server.APIKey = resolveEnvRef(cfg.Server.APIKey)
	return &cfg, nil
}

// resolveEnvRef replaces a "${VAR_NAME}" value with the variable's content.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
	}
	return val
}
