package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		dirs    []string
		want    string
		wantErr bool
	}{
		{name: "toml wins", files: []string{"quicproxy.yml", "quicproxy.yaml", "quicproxy.toml"}, want: "quicproxy.toml"},
		{name: "yaml before yml", files: []string{"quicproxy.yml", "quicproxy.yaml"}, want: "quicproxy.yaml"},
		{name: "config.toml last", files: []string{"config.toml", "config.json"}, want: "config.toml"},
		{name: "directories are skipped", files: []string{"config.toml"}, dirs: []string{"quicproxy.toml"}, want: "config.toml"},
		{name: "nothing", files: []string{"config.json"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				writeFile(t, filepath.Join(dir, f))
			}
			for _, d := range tt.dirs {
				if err := os.Mkdir(filepath.Join(dir, d), 0o700); err != nil {
					t.Fatal(err)
				}
			}

			got, err := DiscoverConfigPath(dir)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("got %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DiscoverConfigPath: %v", err)
			}
			if want := filepath.Join(dir, tt.want); got != want {
				t.Fatalf("path = %q, want %q", got, want)
			}
		})
	}
}
