package profile

import (
	"os"
	"strings"

	"github.com/morada-app/chatsync/internal/config"
)

const DefaultProfileName = "default"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. MORADA_PROFILE environment variable
// 3. config.toml default_profile
// 4. "default"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("MORADA_PROFILE"); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}

// Token reads the bearer credential for a profile. The MORADA_TOKEN
// environment variable takes precedence over the token file.
func Token(name string) (string, error) {
	if env := os.Getenv("MORADA_TOKEN"); env != "" {
		return env, nil
	}
	data, err := os.ReadFile(TokenPath(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
