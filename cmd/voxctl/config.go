package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/voxlink/go-jensen/jensen"
)

// voxctl config.toml key mapping to session settings.
type fileConfig struct {
	AutoReconnect     bool   `toml:"auto_reconnect"`
	ReconnectSeconds  int    `toml:"reconnect_interval_seconds"`
	CommandTimeoutSec int    `toml:"command_timeout_seconds"`
	LogLevel          string `toml:"log_level"`
	RemoteHost        string `toml:"remote_host"`
	RemoteUser        string `toml:"remote_user"`
	BridgeCommand     string `toml:"bridge_command"`
}

// ctlConfig is the resolved tool configuration: session knobs plus the
// optional remote bridge target.
type ctlConfig struct {
	Session       jensen.Config
	LogLevel      string
	RemoteHost    string
	RemoteUser    string
	BridgeCommand string
}

func defaultCtlConfig() ctlConfig {
	return ctlConfig{
		Session:  jensen.DefaultConfig(),
		LogLevel: "warn",
	}
}

// loadCtlConfig overlays a TOML file onto the defaults. Only keys
// actually present in the file override anything.
func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("auto_reconnect") {
		cfg.Session.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("reconnect_interval_seconds") {
		cfg.Session.ReconnectInterval = time.Duration(raw.ReconnectSeconds) * time.Second
	}
	if meta.IsDefined("command_timeout_seconds") {
		cfg.Session.CommandTimeout = time.Duration(raw.CommandTimeoutSec) * time.Second
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("remote_host") {
		cfg.RemoteHost = strings.TrimSpace(raw.RemoteHost)
	}
	if meta.IsDefined("remote_user") {
		cfg.RemoteUser = strings.TrimSpace(raw.RemoteUser)
	}
	if meta.IsDefined("bridge_command") {
		cfg.BridgeCommand = strings.TrimSpace(raw.BridgeCommand)
	}
	return cfg, nil
}
