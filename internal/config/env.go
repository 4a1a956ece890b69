package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from MDFEED_* environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("MDFEED_ENV"); ok {
		c.Environment = Environment(v)
	}
	if v, ok := get("MDFEED_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MDFEED_BATCH_SIZE: %w", err)
		}
		c.Subscription.BatchSize = n
	}
	if v, ok := get("MDFEED_UPDATE_STYLE"); ok {
		c.Subscription.UpdateStyle = v
	}
	if v, ok := get("MDFEED_BOOK_DEPTH"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MDFEED_BOOK_DEPTH: %w", err)
		}
		c.Subscription.Depth = n
	}
	if v, ok := get("MDFEED_RELOAD_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MDFEED_RELOAD_INTERVAL: %w", err)
		}
		c.Universe.ReloadInterval = d
	}
	if v, ok := get("MDFEED_UNIVERSE_SOURCE"); ok {
		c.Universe.Source = v
	}
	if v, ok := get("MDFEED_UNIVERSE_PATH"); ok {
		c.Universe.Path = v
	}
	if v, ok := get("MDFEED_DISCOVERY_SINK"); ok {
		c.Discovery.Sink = v
	}
	if v, ok := get("MDFEED_DISCOVERY_PATH"); ok {
		c.Discovery.Path = v
	}
	if v, ok := get("MDFEED_DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := get("MDFEED_FIX_SETTINGS"); ok {
		c.FIX.SettingsPath = v
		c.FIX.Enabled = true
	}
	if v, ok := get("MDFEED_API_ADDR"); ok {
		c.APIServer.Addr = v
	}
	if v, ok := get("MDFEED_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("MDFEED_LOG_FORMAT"); ok {
		c.Logging.Format = v
	}
	return nil
}
