// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the server settings and loads them from TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/luxfi/storerpc"
	"github.com/luxfi/storerpc/provider"
)

// DefaultSocketPrefix names the socket files, <prefix>_<platform>.sock.
const DefaultSocketPrefix = "ipv-spyware"

// Config is the complete server configuration.
type Config struct {
	Socket   Socket              `toml:"socket"`
	Log      Log                 `toml:"log"`
	Metrics  Metrics             `toml:"metrics"`
	Upstream map[string]Upstream `toml:"upstream"` // keyed by platform
}

// Socket locates the endpoint.
type Socket struct {
	Dir       string `toml:"dir"`
	Prefix    string `toml:"prefix"`
	Transport string `toml:"transport"`
}

// Log configures logging.
type Log struct {
	Dir   string `toml:"dir"`
	File  string `toml:"file"`
	Level string `toml:"level"`
}

// Metrics configures the optional /metrics listener.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Upstream is the provider service for one platform.
type Upstream struct {
	URL     string   `toml:"url"`
	Service string   `toml:"service"`
	Timeout Duration `toml:"timeout"`
}

// Duration reads TOML strings such as "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Socket: Socket{
			Dir:       os.TempDir(),
			Prefix:    DefaultSocketPrefix,
			Transport: storerpc.DefaultTransport,
		},
		Log: Log{
			Dir:   filepath.Join(os.TempDir(), "storerpcd"),
			File:  "storerpcd.log",
			Level: "info",
		},
		Upstream: map[string]Upstream{},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("config %s: %s", path, strict.String())
		}
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Upstream == nil {
		cfg.Upstream = map[string]Upstream{}
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Socket.Dir == "" {
		return errors.New("socket.dir is empty")
	}
	if c.Socket.Prefix == "" {
		return errors.New("socket.prefix is empty")
	}
	if !storerpc.HasTransport(c.Socket.Transport) {
		return fmt.Errorf("socket.transport %q: want one of %v", c.Socket.Transport, storerpc.AvailableTransports())
	}
	for name := range c.Upstream {
		if _, err := provider.ParsePlatform(name); err != nil {
			return fmt.Errorf("upstream.%s: %w", name, err)
		}
	}
	return nil
}

// SocketPath is the socket file for p.
func (c Config) SocketPath(p provider.Platform) string {
	return SocketPath(c.Socket.Dir, c.Socket.Prefix, p)
}

// SocketPath is <dir>/<prefix>_<platform>.sock.
func SocketPath(dir, prefix string, p provider.Platform) string {
	return filepath.Join(dir, prefix+"_"+string(p)+".sock")
}

// UpstreamFor returns the upstream of p, if one is configured.
func (c Config) UpstreamFor(p provider.Platform) (Upstream, bool) {
	u, ok := c.Upstream[string(p)]
	return u, ok && u.URL != ""
}
