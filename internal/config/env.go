package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOOPCALL_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process
// environment. A missing file is not an error. Variables already set in
// the environment win.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from GOOPCALL_* variables.
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("USER_ID", &cfg.Identity.UserID)
	str("DISPLAY_NAME", &cfg.Identity.DisplayName)
	str("AVATAR_URL", &cfg.Identity.AvatarURL)
	str("TRANSPORT", &cfg.Signaling.Transport)
	str("SERVER_URL", &cfg.Signaling.ServerURL)
	str("TOKEN", &cfg.Signaling.Token)
	str("HTTP_ADDR", &cfg.Viewer.HTTPAddr)
	str("AUTH_SECRET", &cfg.Server.AuthSecret)
	str("SERVER_BIND", &cfg.Server.Bind)

	if err := num("SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := num("RING_TIMEOUT_SECONDS", &cfg.Call.RingTimeoutSec); err != nil {
		return err
	}

	// GOOPCALL_ICE_SERVERS=stun:a:3478,turn:b:3478 replaces the list with
	// credential-less servers; credentials belong in the file.
	if v, ok := os.LookupEnv(EnvPrefix + "ICE_SERVERS"); ok {
		cfg.ICE.Servers = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.ICE.Servers = append(cfg.ICE.Servers, ICEServer{URLs: []string{u}})
			}
		}
	}
	return nil
}
