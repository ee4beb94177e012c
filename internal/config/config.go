// Package config loads config.yml (spec §6) into a typed Config, following
// the teacher's env/flag precedence pattern: CLI flag > VMS_CONFIG env var
// path > ./config.yml > compiled defaults. Unknown keys are ignored; missing
// scalars fall back to the defaults documented here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document. Each daemon reads only the sub-trees it
// needs (S: Server.Session/Server.Stream/Server.Pics; M: Stream.FLV/HLS/Expires).
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig holds S-node knobs.
type ServerConfig struct {
	Session SessionConfig `yaml:"session"`
	Stream  RESTConfig    `yaml:"stream"`
	Pics    PicsConfig    `yaml:"pics"`
}

// SessionConfig governs SIP session registry defaults.
type SessionConfig struct {
	SIPPort             int    `yaml:"sip_port"`
	HeartbeatSec        int    `yaml:"heartbeat_sec"`
	RegisterExpiresSec  int    `yaml:"register_expires_sec"`
	PwdCheck            bool   `yaml:"pwd_check"`
	Domain              string `yaml:"domain"`
}

// RESTConfig governs S's REST API listener.
type RESTConfig struct {
	Port int `yaml:"port"`
}

// PicsConfig governs snapshot storage (external collaborator per spec §1).
type PicsConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
}

// StreamConfig governs M-node media serving.
type StreamConfig struct {
	FLV     FLVConfig     `yaml:"flv"`
	HLS     HLSConfig     `yaml:"hls"`
	Expires time.Duration `yaml:"expires"`
	Port    int           `yaml:"port"`
	NodeName string       `yaml:"node_name"`
}

// FLVConfig governs FLV tag chunking.
type FLVConfig struct {
	MaxTagBytes int `yaml:"max_tag_bytes"`
}

// HLSConfig governs the (out-of-core, stubbed) HLS surface.
type HLSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig holds the store DSN (spec §6: GMV_DEVICE et al.).
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// defaults mirror spec §6's documented fallbacks.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Session: SessionConfig{
				SIPPort:            5060,
				HeartbeatSec:       60,
				RegisterExpiresSec: 3600,
				PwdCheck:           false,
				Domain:             "3402000000",
			},
			Stream: RESTConfig{Port: 8080},
			Pics:   PicsConfig{Dir: "./pics", Format: "jpeg"},
		},
		Stream: StreamConfig{
			FLV:      FLVConfig{MaxTagBytes: 1200},
			HLS:      HLSConfig{Enabled: false},
			Expires:  6 * time.Second,
			Port:     8081,
			NodeName: "node-1",
		},
		Database: DatabaseConfig{DSN: "sqlite://vms.db"},
	}
}

const envConfigPath = "VMS_CONFIG"

// Load resolves the config path (flagPath, if non-empty, wins; else
// VMS_CONFIG env var; else ./config.yml) and merges its contents over
// defaults(). A missing file is not an error: the daemon runs on defaults.
func Load(flagPath string) (Config, error) {
	cfg := defaults()

	path := flagPath
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		path = "config.yml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
