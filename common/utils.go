package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SecureFilename reduces an untrusted upload filename to a safe base name.
// Directory components are stripped, anything outside [A-Za-z0-9._-] becomes
// an underscore, and names that sanitize to nothing fall back to "upload".
//
// Example:
//
//	SecureFilename("../../etc/passwd")   // "passwd"
//	SecureFilename("my report (1).zip")  // "my_report__1_.zip"
func SecureFilename(name string) string {
	// Drop directory components regardless of separator style.
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	cleaned := strings.Trim(b.String(), "._-")
	if cleaned == "" {
		return "upload"
	}
	return cleaned
}

// GetEnv retrieves an environment variable with a fallback default value
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt retrieves an integer environment variable with a fallback default
func GetEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// Must panics if err is not nil, otherwise returns value
// Useful for initialization code that should fail fast
//
// Example:
//
//	cfg := common.Must(config.LoadConfig("UNPACKD", ""))
func Must[T any](value T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("Must: operation failed: %v", err))
	}
	return value
}
