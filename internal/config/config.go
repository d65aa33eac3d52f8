package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Session SessionConfig `toml:"session"`
	Store   StoreConfig   `toml:"store"`
	Agentd  AgentdConfig  `toml:"agentd"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type SessionConfig struct {
	Command     string `toml:"command"`
	TermProgram string `toml:"term_program"`
	Rows        uint16 `toml:"rows"`
	Cols        uint16 `toml:"cols"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type AgentdConfig struct {
	Disabled   bool   `toml:"disabled"`
	SocketPath string `toml:"socket_path"`
}

// DataDir is where hivemux keeps its database, socket and config.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".hivemux"), nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{Listen: "127.0.0.1:8800"},
		Session: SessionConfig{
			Command:     "claude",
			TermProgram: "hivemux",
			Rows:        40,
			Cols:        120,
		},
	}
}

// Load reads a TOML config file and fills in defaults for anything the
// file leaves out. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	def := Default()
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = def.Server.Listen
	}
	if cfg.Session.Command == "" {
		cfg.Session.Command = def.Session.Command
	}
	if cfg.Session.TermProgram == "" {
		cfg.Session.TermProgram = def.Session.TermProgram
	}
	if cfg.Session.Rows == 0 {
		cfg.Session.Rows = def.Session.Rows
	}
	if cfg.Session.Cols == 0 {
		cfg.Session.Cols = def.Session.Cols
	}
	return cfg, nil
}
