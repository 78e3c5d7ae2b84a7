// Package config loads a node's on-disk YAML configuration file, the
// sibling of identity.json and the JSON seed-node file: where those two
// hold a single persisted secret and a list, this one holds everything a
// node's "start" command would otherwise need to be told on every
// invocation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// File is the on-disk shape of a node's configuration file. Every field
// mirrors a `chiralnode start` flag; a flag explicitly passed on the
// command line overrides the matching field here.
type File struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AdvertiseAddrs []string `yaml:"advertise_addrs"`
	Transport      string   `yaml:"transport"`
	ChunkDir       string   `yaml:"chunk_dir"`
	Tier           string   `yaml:"tier"`
	SeedFile       string   `yaml:"seed_file"`
	Discovery      *bool    `yaml:"discovery"`
	IdentityFile   string   `yaml:"identity_file"`
	ControlAddr    string   `yaml:"control_addr"`
	LogLevel       string   `yaml:"log_level"`
}

// Default holds the values baked into the CLI's own flag defaults, so a
// config file only needs to mention what it wants to change.
var Default = File{
	Transport:   "quic",
	Tier:        "standard",
	ControlAddr: "127.0.0.1:27777",
	LogLevel:    "info",
}

// Load reads a YAML config file at path and returns it merged over
// Default. A missing file is not an error: it returns Default unchanged,
// matching beenet's seed-file and rain's own LoadConfig tolerance for a
// node's first run before any file exists.
func Load(path string) (*File, error) {
	cfg := Default
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
