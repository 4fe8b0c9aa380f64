package conf

import "github.com/tphakala/stallwatch/internal/logger"

// GetLogger returns the config module logger. It is resolved on each call
// because the central logger is installed after the config is loaded.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
