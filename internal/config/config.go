// Package config provides the environment/secret/default precedence
// helpers used to build Settings for every Oneiric component, plus the
// top-level Settings type itself (ONEIRIC_ prefix, PROFILE override).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SecretProvider resolves a named secret from wherever the deployment
// keeps them (vault, file, k8s secret mount). It replaces the teacher's
// TEE-specific secret tier with a generic seam; nil is a valid provider
// meaning "no secret backend configured".
type SecretProvider interface {
	Secret(key string) (value string, ok bool)
}

// EnvOrSecret resolves a value with precedence: secret provider, then
// environment variable, then default.
func EnvOrSecret(sp SecretProvider, envKey, defaultValue string) string {
	if sp != nil {
		if v, ok := sp.Secret(envKey); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return defaultValue
}

// GetEnv returns the environment variable or a default.
func GetEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns a boolean environment variable or a default.
// Accepts true/1/yes/y case-insensitively.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return isTruthy(v)
}

func isTruthy(v string) bool {
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt returns an integer environment variable or a default.
func GetEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration returns a duration environment variable or a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// SplitAndTrimCSV splits a CSV string, trimming and dropping empty
// entries. Used for candidate capability lists read from the environment.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseByteSize parses a size string like "16MiB" or "16777216" into
// bytes, used for the Remote Loader's maximum-manifest-size setting.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	type suffix struct {
		text string
		mult int64
	}
	suffixes := []suffix{
		{"gib", 1 << 30}, {"gb", 1 << 30}, {"g", 1 << 30},
		{"mib", 1 << 20}, {"mb", 1 << 20}, {"m", 1 << 20},
		{"kib", 1 << 10}, {"kb", 1 << 10}, {"k", 1 << 10},
		{"b", 1},
	}
	for _, s := range suffixes {
		if strings.HasSuffix(value, s.text) {
			numPart := strings.TrimSpace(strings.TrimSuffix(value, s.text))
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, err
			}
			return n * s.mult, nil
		}
	}
	return strconv.ParseInt(value, 10, 64)
}

// Settings is the top-level process configuration, populated from
// ONEIRIC_-prefixed environment variables (see Load).
type Settings struct {
	Profile string // e.g. "serverless"; selects a preset below

	HTTPAddr string

	RemoteEnabled        bool
	RemoteSyncInterval   time.Duration
	RemoteHTTPTimeout    time.Duration
	RemoteMaxManifestSize int64

	WatcherEnabled      bool
	WatcherDebounce     time.Duration
	SelectionConfigPath string

	SupervisorEnabled bool

	ActivityStorePath string
	CacheRoot         string
	HealthSnapshotPath string
	HealthSnapshotInterval time.Duration
	TaskSchedulePath  string

	LogLevel  string
	LogFormat string
}

// Load reads Settings from the environment, applying the named profile
// preset (if any) before individual ONEIRIC_* overrides.
func Load() Settings {
	s := Settings{
		Profile:                GetEnv("ONEIRIC_PROFILE", ""),
		HTTPAddr:               GetEnv("ONEIRIC_HTTP_ADDR", ":8642"),
		RemoteEnabled:          GetEnvBool("ONEIRIC_REMOTE_ENABLED", true),
		RemoteSyncInterval:     GetEnvDuration("ONEIRIC_REMOTE_SYNC_INTERVAL", 300*time.Second),
		RemoteHTTPTimeout:      GetEnvDuration("ONEIRIC_REMOTE_HTTP_TIMEOUT", 30*time.Second),
		WatcherEnabled:         GetEnvBool("ONEIRIC_WATCHER_ENABLED", true),
		WatcherDebounce:        GetEnvDuration("ONEIRIC_WATCHER_DEBOUNCE", 250*time.Millisecond),
		SelectionConfigPath:    GetEnv("ONEIRIC_SELECTION_CONFIG", ""),
		SupervisorEnabled:      GetEnvBool("ONEIRIC_SUPERVISOR_ENABLED", true),
		ActivityStorePath:      GetEnv("ONEIRIC_ACTIVITY_STORE_PATH", "./data/activity.jsonl"),
		CacheRoot:              GetEnv("ONEIRIC_CACHE_ROOT", "./data/cache"),
		HealthSnapshotPath:     GetEnv("ONEIRIC_HEALTH_SNAPSHOT_PATH", "./data/health.json"),
		HealthSnapshotInterval: GetEnvDuration("ONEIRIC_HEALTH_SNAPSHOT_INTERVAL", 15*time.Second),
		TaskSchedulePath:       GetEnv("ONEIRIC_TASK_SCHEDULE_PATH", "./data/tasks.json"),
		LogLevel:               GetEnv("ONEIRIC_LOG_LEVEL", "info"),
		LogFormat:              GetEnv("ONEIRIC_LOG_FORMAT", "json"),
	}

	if maxSize := GetEnv("ONEIRIC_REMOTE_MAX_MANIFEST_SIZE", "16MiB"); maxSize != "" {
		if n, err := ParseByteSize(maxSize); err == nil {
			s.RemoteMaxManifestSize = n
		}
	}
	if s.RemoteMaxManifestSize == 0 {
		s.RemoteMaxManifestSize = 16 << 20
	}

	applyProfile(&s)
	return s
}

// applyProfile implements the PROFILE preset described in spec.md §6:
// "serverless -> watchers off, remote off, supervisor on".
func applyProfile(s *Settings) {
	switch s.Profile {
	case "serverless":
		s.WatcherEnabled = false
		s.RemoteEnabled = false
		s.SupervisorEnabled = true
	}
}
