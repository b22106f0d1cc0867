// Package identity persists the agent's device identity across restarts.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoadOrCreate returns the identity stored at path, generating and writing a
// new UUID if the file is missing or empty. An existing identity is never
// replaced.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	return id, nil
}

// Resolve is LoadOrCreate with the hostname as a last resort, so an agent on
// a read-only disk can still report.
func Resolve(path string, log *zap.Logger) string {
	id, err := LoadOrCreate(path)
	if err == nil {
		return id
	}

	host, hostErr := os.Hostname()
	if hostErr != nil || host == "" {
		host = "unknown-host"
	}
	log.Warn("Failed to persist device id, falling back to hostname",
		zap.String("path", path),
		zap.String("device_id", host),
		zap.Error(err))
	return host
}
