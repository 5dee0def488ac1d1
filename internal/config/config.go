// Package config loads m8bridge settings from an optional YAML file and
// M8BRIDGE_* environment variables, layered over built-in defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Serial   SerialConfig `mapstructure:"serial"`
	Listen   string       `mapstructure:"listen"`
	H3Listen string       `mapstructure:"h3_listen"`
	WebDir   string       `mapstructure:"web_dir"`
	TLS      TLSConfig    `mapstructure:"tls"`
	Audio    AudioConfig  `mapstructure:"audio"`
	Hub      HubConfig    `mapstructure:"hub"`
	Client   ClientConfig `mapstructure:"client"`
}

type SerialConfig struct {
	Path        string        `mapstructure:"path"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// TLSConfig selects the HTTP/3 certificate. With no files set a
// self-signed certificate is generated for localhost and Hosts.
type TLSConfig struct {
	Cert  string   `mapstructure:"cert"`
	Key   string   `mapstructure:"key"`
	Hosts []string `mapstructure:"hosts"`
}

type AudioConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Device  string `mapstructure:"device"`
	Codec   string `mapstructure:"codec"`
	Bitrate int    `mapstructure:"bitrate"` // 0 keeps the codec default
}

type HubConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type ClientConfig struct {
	URL          string `mapstructure:"url"`
	Audio        bool   `mapstructure:"audio"`
	Codec        string `mapstructure:"codec"`
	JitterChunks int    `mapstructure:"jitter_chunks"`
}

func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Baud:        115200,
			ReadTimeout: 10 * time.Millisecond,
		},
		Listen: ":3000",
		Audio: AudioConfig{
			Enabled: true,
			Device:  DefaultAudioDevice(),
			Codec:   "opus",
		},
		Hub: HubConfig{Capacity: 8},
		Client: ClientConfig{
			URL:          "ws://localhost:3000/ws",
			Audio:        true,
			Codec:        "opus",
			JitterChunks: 4,
		},
	}
}

// DefaultAudioDevice is the name the M8's USB audio interface shows up
// under on this platform.
func DefaultAudioDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "M8"
	case "linux":
		return "iec958:CARD=M8,DEV=0"
	default:
		return "M8"
	}
}

// Load reads configuration through the global viper instance, so flags
// bound with viper.BindPFlag take part.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.GetViper(), cfgFile)
}

// LoadWith reads configuration through v. A missing default config file is
// not an error; a missing explicit one is.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("m8bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}

	v.SetEnvPrefix("M8BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys that appear in no config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("serial.path", d.Serial.Path)
	v.SetDefault("serial.baud", d.Serial.Baud)
	v.SetDefault("serial.read_timeout", d.Serial.ReadTimeout)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("h3_listen", d.H3Listen)
	v.SetDefault("web_dir", d.WebDir)
	v.SetDefault("tls.cert", d.TLS.Cert)
	v.SetDefault("tls.key", d.TLS.Key)
	v.SetDefault("tls.hosts", d.TLS.Hosts)
	v.SetDefault("audio.enabled", d.Audio.Enabled)
	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.codec", d.Audio.Codec)
	v.SetDefault("audio.bitrate", d.Audio.Bitrate)
	v.SetDefault("hub.capacity", d.Hub.Capacity)
	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.audio", d.Client.Audio)
	v.SetDefault("client.codec", d.Client.Codec)
	v.SetDefault("client.jitter_chunks", d.Client.JitterChunks)
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil && runtime.GOOS != "linux" {
		return filepath.Join(dir, "m8bridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "m8bridge")
}
