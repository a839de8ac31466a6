package config

import (
	"os"
	"strings"
)

// EnvVariables exposes the process environment to templates as .env.
func EnvVariables() map[string]string {
	env := map[string]string{}

	for _, item := range os.Environ() {
		name, val, ok := strings.Cut(item, "=")
		if !ok || name == "" {
			continue
		}
		env[name] = val
	}

	return env
}
