// Package platform resolves the per-OS directories the application keeps
// its database, config, and caches in.
package platform

import "os"

// AppName is the application name used for directory naming
const AppName = "parallax"

// AppDisplayName is the display name used on Windows and macOS
const AppDisplayName = "Parallax"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Parallax
// Linux: ~/.local/share/parallax
// Falls back to ~/.parallax if XDG is not available.
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the cache directory for derived files such as
// coordinate-map caches.
// Windows: %APPDATA%\Parallax
// Linux: ~/.cache/parallax
func GetCacheDir() string {
	return getCacheDir()
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
