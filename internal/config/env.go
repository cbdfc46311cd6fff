package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var defaultEnvFiles = []string{".env", ".env.dev"}

// LoadEnv overlays values from local env files onto the process
// environment. Later files win; missing files are skipped.
func LoadEnv(logger *logrus.Logger, files ...string) {
	if len(files) == 0 {
		files = defaultEnvFiles
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return
	}
	if err := godotenv.Overload(present...); err != nil {
		if logger != nil {
			logger.WithError(err).WithField("files", present).Warn("env files not loaded")
		}
		return
	}
	if logger != nil {
		logger.WithField("files", present).Debug("env files loaded")
	}
}

// lookup returns the trimmed value of key; blank counts as unset.
func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// parsed returns parse(value of key), or def when key is unset or malformed.
func parsed[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func GetEnv(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	return parsed(key, def, strconv.Atoi)
}

func GetEnvBool(key string, def bool) bool {
	return parsed(key, def, strconv.ParseBool)
}

// GetEnvDuration accepts Go durations ("90s", "2m"); a bare integer is seconds.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	return parsed(key, def, func(raw string) (time.Duration, error) {
		if secs, err := strconv.Atoi(raw); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(raw)
	})
}

// GetLogLevel reads LOG_LEVEL; unknown or empty values mean info.
func GetLogLevel() logrus.Level {
	return parsed("LOG_LEVEL", logrus.InfoLevel, logrus.ParseLevel)
}
