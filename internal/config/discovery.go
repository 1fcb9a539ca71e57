package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configNames are searched in order by DiscoverConfigPath. config.toml is
// the name the tunnel has historically shipped with.
var configNames = []string{
	"quicproxy.toml",
	"quicproxy.yaml",
	"quicproxy.yml",
	"config.toml",
}

// DiscoverConfigPath returns the first regular file in dir named by
// CandidateConfigPaths.
func DiscoverConfigPath(dir string) (string, error) {
	candidates := CandidateConfigPaths(dir)
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: nothing found in %s (tried %v)", dir, configNames)
}

func CandidateConfigPaths(dir string) []string {
	out := make([]string, len(configNames))
	for i, n := range configNames {
		out[i] = filepath.Join(dir, n)
	}
	return out
}
