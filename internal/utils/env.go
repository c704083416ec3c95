package utils

import (
	"os"
	"strconv"
	"strings"

	"github.com/botfleet/orchestrator/internal/logger"
)

func GetEnv(key, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if log != nil {
			log.Debug("Env var unset, using default", "key", key, "default", def)
		}
		return def
	}
	return v
}

func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("Env var is not an integer, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return i
}

func GetEnvAsBool(key string, def bool, log *logger.Logger) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Warn("Env var is not a boolean, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
}
