package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr       string        `yaml:"listen_addr"`
	DBPath           string        `yaml:"db_path"`
	PortCount        int           `yaml:"port_count"`
	PortPathTemplate string        `yaml:"port_path_template"`
	DefaultBaud      int           `yaml:"default_baud"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CaptureIdle      time.Duration `yaml:"capture_idle"`
	CaptureTimeout   time.Duration `yaml:"capture_timeout"`
	DetachGrace      time.Duration `yaml:"detach_grace"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	StreamBuffer     int           `yaml:"stream_buffer"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxTranscript    int           `yaml:"max_transcript"`
	StopOnVerifyFail bool          `yaml:"stop_on_verify_fail"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8321",
		DBPath:           defaultDBPath(),
		PortCount:        16,
		PortPathTemplate: "~/port%d",
		DefaultBaud:      9600,
		ProbeTimeout:     1 * time.Second,
		CaptureIdle:      500 * time.Millisecond,
		CaptureTimeout:   10 * time.Second,
		DetachGrace:      3 * time.Second,
		SettleDelay:      300 * time.Millisecond,
		CommandTimeout:   20 * time.Second,
		StreamBuffer:     256,
		MaxConcurrency:   4,
		MaxTranscript:    512 * 1024,
	}
}

// Load overlays values from a YAML file onto the defaults. A missing file is
// not an error so the daemon starts without any configuration present.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// PortPath expands the path template for a port id, resolving a leading ~.
func (c Config) PortPath(id int) string {
	p := fmt.Sprintf(c.PortPathTemplate, id)
	if len(p) > 1 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "consoled.db"
	}
	return filepath.Join(home, ".local", "state", "consoled", "consoled.db")
}
