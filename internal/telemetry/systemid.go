package telemetry

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const systemIDFile = ".system_id"

var systemIDPattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// GenerateSystemID returns a random XXXX-XXXX-XXXX identifier.
func GenerateSystemID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s-%s-%s", id[0:4], id[4:8], id[8:12])
}

// IsValidSystemID reports whether id has the GenerateSystemID format.
func IsValidSystemID(id string) bool {
	return systemIDPattern.MatchString(id)
}

// LoadOrCreateSystemID reads the identifier stored in dir, creating it when
// missing or malformed.
func LoadOrCreateSystemID(fs afero.Fs, dir string) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, systemIDFile)

	if data, err := afero.ReadFile(fs, path); err == nil {
		if id := strings.TrimSpace(string(data)); IsValidSystemID(id) {
			return id, nil
		}
	}

	id := GenerateSystemID()
	if err := afero.WriteFile(fs, path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("failed to save system ID: %w", err)
	}
	return id, nil
}
