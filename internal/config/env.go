package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadEnv reads a dotenv file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = unquote(strings.TrimSpace(val))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return scanner.Err()
}

func unquote(val string) string {
	if len(val) >= 2 {
		first, last := val[0], val[len(val)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return val[1 : len(val)-1]
		}
	}
	if idx := strings.Index(val, " #"); idx >= 0 {
		return strings.TrimSpace(val[:idx])
	}
	return val
}

// applyEnvOverrides lets secrets and per-host values come from LS_* variables.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("LS_LOG_LEVEL", &cfg.Log.Level)
	setString("LS_STATE_DRIVER", &cfg.State.Driver)
	setString("LS_STATE_DSN", &cfg.State.DSN)
	setString("LS_LEADER_BACKEND", &cfg.Leader.Backend)
	setString("LS_INSTANCE_ID", &cfg.Leader.InstanceID)
	setString("LS_REDIS_ADDR", &cfg.Redis.Addr)
	setString("LS_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("LS_TELEGRAM_TOKEN", &cfg.Telegram.Token)
	setString("LS_TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	setString("LS_METRICS_ADDRESS", &cfg.Metrics.Address)
	if v, ok := os.LookupEnv("LS_TRADE_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LS_TRADE_ENABLED: %w", err)
		}
		cfg.Trade.Enabled = b
	}
	return nil
}

