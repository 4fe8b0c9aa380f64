package conf

import (
	"os"
	"path/filepath"

	"github.com/tphakala/stallwatch/internal/errors"
)

const appDir = "stallwatch"

// GetDefaultConfigPaths returns the directories searched for config.yaml:
// the working directory, ~/.config/stallwatch and /etc/stallwatch. When one
// of them already holds a config.yaml only that directory is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	paths := []string{
		filepath.Join(homeDir, ".config", appDir),
		".",
		filepath.Join("/etc", appDir),
	}

	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(p, "config.yaml")); err == nil {
			return []string{p}, nil
		}
	}
	return paths, nil
}

// FindConfigFile returns the path of the config file in use.
func FindConfigFile() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		f := filepath.Join(p, "config.yaml")
		if _, err := os.Stat(f); err == nil {
			return f, nil
		}
	}
	return "", errors.Newf("config file not found").
		Category(errors.CategoryFileIO).
		Context("operation", "find-config-file").
		Build()
}
