// Package config reads syncline's TOML configuration files into typed
// structs, mirroring the teacher's config.LoadConfig.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ServerConfig configures a relay (cmd/server).
type ServerConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	DBPath              string `toml:"db_path"`
	LogLevel            string `toml:"log_level"`
	CompactionThreshold int    `toml:"compaction_threshold"`
	CompactionInterval  string `toml:"compaction_interval"`
	TLSCertPath         string `toml:"tls_cert_path"`
	TLSKeyPath          string `toml:"tls_key_path"`
}

// ClientConfig configures a folder replica (cmd/client-folder).
type ClientConfig struct {
	VaultDir string `toml:"vault_dir"`
	RelayURL string `toml:"relay_url"`
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`
}

// DefaultServerConfig mirrors the values cmd/server falls back to when
// no TOML file is supplied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":3030",
		DBPath:              "./syncline.db",
		LogLevel:            "info",
		CompactionThreshold: 50,
		CompactionInterval:  "30s",
	}
}

// LoadServerConfig decodes path (TOML) on top of DefaultServerConfig,
// so a config file only needs to set the fields it wants to override.
func LoadServerConfig(path string) (ServerConfig, error) {
	conf := DefaultServerConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return conf, errors.Wrapf(err, "reading server config at %q", path)
	}
	return conf, nil
}

// LoadClientConfig decodes path (TOML) into a ClientConfig.
func LoadClientConfig(path string) (ClientConfig, error) {
	conf := ClientConfig{LogLevel: "info"}
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return conf, errors.Wrapf(err, "reading client config at %q", path)
	}
	return conf, nil
}
