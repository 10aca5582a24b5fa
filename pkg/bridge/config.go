// meshbridge - A many-channel chat bridge.
// Copyright (C) 2026 Meshbridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/meshbridge/meshbridge/pkg/listing"
	"github.com/meshbridge/meshbridge/pkg/quickreply"
)

//go:embed example-config.yaml
var ExampleConfig string

const defaultQuickReplyTTL = 5 * time.Minute

type Config struct {
	// FrontEndChannelID names the front-end transport in compound chat keys.
	FrontEndChannelID string `yaml:"front_end_channel_id"`

	// AdminChatID is the front-end chat receiving messages from unlinked
	// remote chats. Empty disables the fallback; such messages are dropped.
	AdminChatID string `yaml:"admin_chat_id"`

	// SharedLinks permits several remote chats linked into one front-end
	// chat. When false, a new link replaces the previous one.
	SharedLinks bool `yaml:"shared_links"`

	PageSize int `yaml:"page_size"`

	Database   DatabaseConfig   `yaml:"database"`
	QuickReply QuickReplyConfig `yaml:"quick_reply"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QuickReplyConfig tunes the last-used-destination cache.
type QuickReplyConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
	TTLSecs  int  `yaml:"ttl_seconds"`
}

// TTL returns the configured freshness window.
func (q *QuickReplyConfig) TTL() time.Duration {
	if q.TTLSecs <= 0 {
		return defaultQuickReplyTTL
	}
	return time.Duration(q.TTLSecs) * time.Second
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.FrontEndChannelID == "" {
		return fmt.Errorf("front_end_channel_id must be set")
	}
	if c.PageSize <= 0 {
		c.PageSize = listing.DefaultPageSize
	}
	if c.QuickReply.Capacity <= 0 {
		c.QuickReply.Capacity = quickreply.DefaultCapacity
	}
	if c.Database.Path == "" {
		c.Database.Path = "meshbridge.db"
	}
	return nil
}

// LoadConfig reads and validates the config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "front_end_channel_id")
	helper.Copy(up.Str, "admin_chat_id")
	helper.Copy(up.Bool, "shared_links")
	helper.Copy(up.Int, "page_size")
	helper.Copy(up.Str, "database", "path")
	helper.Copy(up.Bool, "quick_reply", "enabled")
	helper.Copy(up.Int, "quick_reply", "capacity")
	helper.Copy(up.Int, "quick_reply", "ttl_seconds")
}

func GetConfig() (string, up.Upgrader) {
	return ExampleConfig, up.SimpleUpgrader(upgradeConfig)
}

// WatchConfig re-reads the config file on filesystem change and hands the new
// value to onReload. Invalid replacements are logged and skipped; the running
// config stays in effect. Returns a stop function.
func WatchConfig(path string, log zerolog.Logger, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory: editors replace the file rather than write in place.
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	target := filepath.Clean(path)
	wlog := log.With().Str("component", "config_watcher").Logger()
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					wlog.Warn().Err(err).Msg("Ignoring invalid config update")
					continue
				}
				wlog.Info().Msg("Config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				wlog.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
