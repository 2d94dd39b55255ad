package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framed/internal/client"
	"github.com/danmuck/framed/internal/logging"
	"github.com/danmuck/framed/internal/server"
	"github.com/danmuck/framed/internal/sink"
)

type fileConfig struct {
	Log    logSection    `toml:"log"`
	Server serverSection `toml:"server"`
	Admin  adminSection  `toml:"admin"`
	NATS   natsSection   `toml:"nats"`
	Client clientSection `toml:"client"`
}

type logSection struct {
	Level     string `toml:"level"`
	JSON      bool   `toml:"json"`
	NoColor   bool   `toml:"no_color"`
	Timestamp bool   `toml:"timestamp"`
}

type serverSection struct {
	ListenAddr      string `toml:"listen_addr"`
	MaxClients      int    `toml:"max_clients"`
	Backlog         int    `toml:"backlog"`
	MaxPendingWrite int    `toml:"max_pending_write"`
	ReuseAddr       bool   `toml:"reuse_addr"`
	NoDelay         bool   `toml:"no_delay"`
}

type adminSection struct {
	ListenAddr string `toml:"listen_addr"`
}

type natsSection struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Name    string `toml:"name"`
	Timeout string `toml:"timeout"`
}

type clientSection struct {
	Address          string `toml:"address"`
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	DialAttempts     int    `toml:"dial_attempts"`
	Count            int    `toml:"count"`
	Interval         string `toml:"interval"`
	Payload          []int  `toml:"payload"`
}

// appConfig is the resolved configuration for every subcommand.
type appConfig struct {
	Log    logging.Config
	Server server.Config
	Client client.Config
	// AdminAddr enables the admin HTTP surface when non-empty.
	AdminAddr string
	// NATS enables payload republishing when URL is non-empty.
	NATS sink.NATSConfig
}

func defaultAppConfig() appConfig {
	return appConfig{
		Log:    logging.DefaultConfig(logging.ProfileRuntime),
		Server: server.DefaultConfig(),
		Client: client.DefaultConfig(),
		NATS: sink.NATSConfig{
			Subject: "framed.binary",
			Name:    "framedctl",
			Timeout: 2 * time.Second,
		},
	}
}

// loadConfig overlays the keys present in path onto the defaults. An empty
// path returns the defaults unchanged.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load framed config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load framed config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return appConfig{}, fmt.Errorf("parse log.level: unknown level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}

	if meta.IsDefined("server", "listen_addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.Server.ListenAddr)
	}
	if meta.IsDefined("server", "max_clients") {
		cfg.Server.MaxClients = raw.Server.MaxClients
		cfg.Server.EventBatch = raw.Server.MaxClients + 2
	}
	if meta.IsDefined("server", "backlog") {
		cfg.Server.Backlog = raw.Server.Backlog
	}
	if meta.IsDefined("server", "max_pending_write") {
		cfg.Server.MaxPendingWrite = raw.Server.MaxPendingWrite
	}
	if meta.IsDefined("server", "reuse_addr") {
		cfg.Server.DisableReuseAddr = !raw.Server.ReuseAddr
	}
	if meta.IsDefined("server", "no_delay") {
		cfg.Server.DisableNoDelay = !raw.Server.NoDelay
	}

	if meta.IsDefined("admin", "listen_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin.ListenAddr)
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "subject") {
		cfg.NATS.Subject = strings.TrimSpace(raw.NATS.Subject)
	}
	if meta.IsDefined("nats", "name") {
		cfg.NATS.Name = strings.TrimSpace(raw.NATS.Name)
	}
	if meta.IsDefined("nats", "timeout") {
		d, err := parseDuration("nats.timeout", raw.NATS.Timeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.NATS.Timeout = d
	}

	if meta.IsDefined("client", "address") {
		cfg.Client.Address = strings.TrimSpace(raw.Client.Address)
	}
	if meta.IsDefined("client", "connect_timeout") {
		d, err := parseDuration("client.connect_timeout", raw.Client.ConnectTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Client.ConnectTimeout = d
	}
	if meta.IsDefined("client", "handshake_timeout") {
		d, err := parseDuration("client.handshake_timeout", raw.Client.HandshakeTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Client.HandshakeTimeout = d
	}
	if meta.IsDefined("client", "write_timeout") {
		d, err := parseDuration("client.write_timeout", raw.Client.WriteTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Client.WriteTimeout = d
	}
	if meta.IsDefined("client", "dial_attempts") {
		cfg.Client.DialAttempts = raw.Client.DialAttempts
	}
	if meta.IsDefined("client", "count") {
		if raw.Client.Count < 0 {
			return appConfig{}, fmt.Errorf("parse client.count: must not be negative, got %d", raw.Client.Count)
		}
		cfg.Client.Count = raw.Client.Count
	}
	if meta.IsDefined("client", "interval") {
		d, err := parseDuration("client.interval", raw.Client.Interval)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Client.Interval = d
	}
	if meta.IsDefined("client", "payload") {
		p, err := payloadBytes(raw.Client.Payload)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Client.Payload = p
	}

	if err := cfg.Server.Validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func payloadBytes(in []int) ([]byte, error) {
	if len(in) > client.MaxPayload {
		return nil, fmt.Errorf("parse client.payload: %d bytes exceeds %d", len(in), client.MaxPayload)
	}
	out := make([]byte, len(in))
	for i, v := range in {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("parse client.payload[%d]: %d is not a byte", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
