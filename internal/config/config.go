// Package config holds the dnstun client's configuration surface: CLI
// flags plus an optional JSON override file, in the teacher's own style
// (compare server/config.go's parseJSONConfig in xtaci/kcptun).
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the fully resolved configuration for one client run.
type Config struct {
	Domain   string `json:"domain"`
	Resolver string `json:"resolver"`

	Name string `json:"name"`

	Exec    string `json:"exec"`
	Listen  string `json:"listen"`
	Socks   string `json:"socks"`
	Tunnel  string `json:"tunnel"` // host:port the server dials on our behalf

	NoComp bool `json:"nocomp"`
	Quiet  bool `json:"quiet"`

	Log       string `json:"log"`
	Keepalive int    `json:"keepalive"` // heartbeat interval, seconds
}

// ParseJSONConfig overrides config's fields from a JSON file, matching
// the teacher's server/config.go one-to-one.
func ParseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config: open")
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
