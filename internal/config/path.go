package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath names the config file when -config is not given. It only
// selects the file; it never overrides individual options.
const EnvConfigPath = "QUICPROXY_CONFIG"

type ConfigPathSource string

const (
	ConfigPathSourceFlag    ConfigPathSource = "flag"
	ConfigPathSourceEnv     ConfigPathSource = "env"
	ConfigPathSourceCWD     ConfigPathSource = "cwd"
	ConfigPathSourceDefault ConfigPathSource = "default"
)

type ResolvedConfigPath struct {
	Path   string
	Source ConfigPathSource
}

// ResolveConfigPath picks the config file: the -config flag, then
// QUICPROXY_CONFIG, then a discovered file in the working directory, then
// the per-user default location.
func ResolveConfigPath(flagPath string) (ResolvedConfigPath, error) {
	explicit := []struct {
		value  string
		source ConfigPathSource
	}{
		{flagPath, ConfigPathSourceFlag},
		{os.Getenv(EnvConfigPath), ConfigPathSourceEnv},
	}
	for _, e := range explicit {
		if strings.TrimSpace(e.value) == "" {
			continue
		}
		p, err := resolveExplicit(e.value)
		if err != nil {
			return ResolvedConfigPath{}, err
		}
		return ResolvedConfigPath{Path: p, Source: e.source}, nil
	}

	if p, err := DiscoverConfigPath("."); err == nil {
		return ResolvedConfigPath{Path: p, Source: ConfigPathSourceCWD}, nil
	}

	p, err := DefaultConfigPath()
	if err != nil {
		return ResolvedConfigPath{}, err
	}
	return ResolvedConfigPath{Path: p, Source: ConfigPathSourceDefault}, nil
}

// resolveExplicit accepts a file or a directory. A directory is searched like
// the working directory; a missing path without extension gets ".toml".
func resolveExplicit(p string) (string, error) {
	p = filepath.Clean(strings.TrimSpace(p))

	fi, err := os.Stat(p)
	switch {
	case err == nil && fi.IsDir():
		if found, derr := DiscoverConfigPath(p); derr == nil {
			return found, nil
		}
		return filepath.Join(p, "quicproxy.toml"), nil
	case err == nil:
		return p, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("config: stat %s: %w", p, err)
	}
	if filepath.Ext(p) == "" {
		p += ".toml"
	}
	return p, nil
}

// DefaultConfigPath is quicproxy/quicproxy.toml under os.UserConfigDir().
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("config: resolve user config dir: empty")
	}
	return filepath.Join(dir, "quicproxy", "quicproxy.toml"), nil
}
