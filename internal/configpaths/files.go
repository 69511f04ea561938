package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigDir returns the platform-specific configuration directory for hidbridge.
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, "hidbridge"), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "hidbridge"), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", "hidbridge"), nil
		}
		return "", errors.New("HOME not set")
	}
}

// DefaultConfigPath returns the default config file path for the given format using base name "config".
func DefaultConfigPath(format string) (string, error) {
	return DefaultNamedConfigPath("config", format)
}

// DefaultNamedConfigPath returns the default config file path for the given format and base name (e.g., "host", "device").
func DefaultNamedConfigPath(baseName, format string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	ext := "toml"
	switch format {
	case "yaml", "yml":
		ext = "yaml"
	case "json":
		ext = "json"
	}
	return filepath.Join(dir, baseName+"."+ext), nil
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o755)
}

// ConfigCandidatePaths builds candidate paths for config files per format, for
// the given binary-specific base name ("host", "device", "ctl"). If userPath
// is set (from a --config flag) it is tried first, then HIDPROXY_CONFIG,
// each routed by its extension.
func ConfigCandidatePaths(baseName, userPath string) (tomlPaths, yamlPaths, jsonPaths []string) {
	add := func(slice *[]string, p string) { *slice = append(*slice, p) }

	if userPath != "" {
		switch ext := filepath.Ext(userPath); ext {
		case ".yaml", ".yml":
			add(&yamlPaths, userPath)
		case ".json":
			add(&jsonPaths, userPath)
		default:
			add(&tomlPaths, userPath)
		}
	}

	if env := os.Getenv("HIDPROXY_CONFIG"); env != "" {
		switch ext := filepath.Ext(env); ext {
		case ".yaml", ".yml":
			add(&yamlPaths, env)
		case ".json":
			add(&jsonPaths, env)
		default:
			add(&tomlPaths, env)
		}
	}

	wd, _ := os.Getwd()
	add(&tomlPaths, filepath.Join(wd, baseName+".toml"))
	add(&yamlPaths, filepath.Join(wd, baseName+".yaml"))
	add(&yamlPaths, filepath.Join(wd, baseName+".yml"))
	add(&jsonPaths, filepath.Join(wd, baseName+".json"))

	if dir, err := DefaultConfigDir(); err == nil {
		add(&tomlPaths, filepath.Join(dir, baseName+".toml"))
		add(&yamlPaths, filepath.Join(dir, baseName+".yaml"))
		add(&yamlPaths, filepath.Join(dir, baseName+".yml"))
		add(&jsonPaths, filepath.Join(dir, baseName+".json"))
	}

	if runtime.GOOS != "windows" {
		add(&tomlPaths, filepath.Join("/etc/hidbridge", baseName+".toml"))
		add(&yamlPaths, filepath.Join("/etc/hidbridge", baseName+".yaml"))
	}

	return
}
