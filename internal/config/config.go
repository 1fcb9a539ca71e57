package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error caused by the file's content (as
// opposed to failing to read it).
var ErrInvalid = errors.New("config: invalid")

type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string
	// Format is one of: text, json.
	Format string
	// Output is one of: stderr, stdout, discard; or a file path.
	Output string
	// AddSource enables source file/line reporting (slightly higher overhead).
	AddSource bool
}

// BackendConfig is set when this process terminates the tunnel.
type BackendConfig struct {
	Listen            string
	ProxyPass         string
	SSLCertificate    string
	SSLCertificateKey string

	// SelfSignedCertificate replaces the certificate files with an ephemeral
	// self-signed certificate. Development only.
	SelfSignedCertificate bool
	DialTimeout           time.Duration
}

type ReconnectConfig struct {
	Enabled    bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// FrontendConfig is set when this process accepts plain TCP and dials the
// backend.
type FrontendConfig struct {
	Listen             string
	ServerName         string
	Remote             string
	Bind               string
	CAFile             string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	Reconnect          ReconnectConfig
}

type TransportConfig struct {
	// Kind is one of: quic, tcp, kcp.
	Kind               string
	ALPN               []string
	MaxIdleTimeout     time.Duration
	KeepAlive          time.Duration
	MaxIncomingStreams int64
	BufferSize         int
}

// Config is the validated process configuration. At least one of Backend and
// Frontend is non-nil.
type Config struct {
	Backend   *BackendConfig
	Frontend  *FrontendConfig
	Transport TransportConfig
	Logging   LoggingConfig
}

type ConfigProvider interface {
	Load(ctx context.Context) (*Config, error)
}

type FileConfigProvider struct {
	Path string
}

func NewFileConfigProvider(path string) *FileConfigProvider {
	return &FileConfigProvider{Path: path}
}

type fileConfig struct {
	Backend *struct {
		Listen            string `toml:"listen" yaml:"listen"`
		ProxyPass         string `toml:"proxy_pass" yaml:"proxy_pass"`
		SSLCertificate    string `toml:"ssl_certificate" yaml:"ssl_certificate"`
		SSLCertificateKey string `toml:"ssl_certificate_key" yaml:"ssl_certificate_key"`
		SelfSigned        bool   `toml:"self_signed_certificate" yaml:"self_signed_certificate"`
		DialTimeoutMs     int    `toml:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	} `toml:"backend" yaml:"backend"`

	Frontend *struct {
		Listen             string `toml:"listen" yaml:"listen"`
		ServerName         string `toml:"server_name" yaml:"server_name"`
		Remote             string `toml:"remote" yaml:"remote"`
		Bind               string `toml:"bind" yaml:"bind"`
		CAFile             string `toml:"ca_file" yaml:"ca_file"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
		HandshakeTimeoutMs int    `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
		Reconnect          *struct {
			Enabled      bool `toml:"enabled" yaml:"enabled"`
			MinBackoffMs int  `toml:"min_backoff_ms" yaml:"min_backoff_ms"`
			MaxBackoffMs int  `toml:"max_backoff_ms" yaml:"max_backoff_ms"`
		} `toml:"reconnect" yaml:"reconnect"`
	} `toml:"frontend" yaml:"frontend"`

	Transport *struct {
		Kind               string   `toml:"kind" yaml:"kind"`
		ALPN               []string `toml:"alpn" yaml:"alpn"`
		MaxIdleTimeoutMs   int      `toml:"max_idle_timeout_ms" yaml:"max_idle_timeout_ms"`
		KeepAliveMs        int      `toml:"keep_alive_ms" yaml:"keep_alive_ms"`
		MaxIncomingStreams int64    `toml:"max_incoming_streams" yaml:"max_incoming_streams"`
		BufferSize         int      `toml:"buffer_size" yaml:"buffer_size"`
	} `toml:"transport" yaml:"transport"`

	Logging *struct {
		Level     string `toml:"level" yaml:"level"`
		Format    string `toml:"format" yaml:"format"`
		Output    string `toml:"output" yaml:"output"`
		AddSource bool   `toml:"add_source" yaml:"add_source"`
	} `toml:"logging" yaml:"logging"`
}

func (p *FileConfigProvider) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", p.Path, err)
	}
	cfg, err := Parse(formatForPath(p.Path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	return cfg, nil
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// Parse decodes data ("toml" or "yaml"), applies defaults and validates the
// result. Unknown keys are rejected.
func Parse(format string, data []byte) (*Config, error) {
	var fc fileConfig
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("%w: parse toml: %w", ErrInvalid, err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			keys := make([]string, 0, len(und))
			for _, k := range und {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q (expected toml or yaml)", ErrInvalid, format)
	}
	return fc.build()
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (fc *fileConfig) build() (*Config, error) {
	cfg := &Config{
		Transport: TransportConfig{
			Kind:               "quic",
			ALPN:               []string{"quic-proxy"},
			MaxIdleTimeout:     30 * time.Second,
			KeepAlive:          10 * time.Second,
			MaxIncomingStreams: 1024,
			BufferSize:         32 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}

	if b := fc.Backend; b != nil {
		cfg.Backend = &BackendConfig{
			Listen:            b.Listen,
			ProxyPass:         strings.TrimSpace(b.ProxyPass),
			SSLCertificate:    b.SSLCertificate,
			SSLCertificateKey: b.SSLCertificateKey,
			DialTimeout:       ms(b.DialTimeoutMs),

			SelfSignedCertificate: b.SelfSigned,
		}
		if cfg.Backend.Listen == "" {
			cfg.Backend.Listen = "127.0.0.1:9999"
		}
		if cfg.Backend.DialTimeout <= 0 {
			cfg.Backend.DialTimeout = 5 * time.Second
		}
	}

	if f := fc.Frontend; f != nil {
		cfg.Frontend = &FrontendConfig{
			Listen:             strings.TrimSpace(f.Listen),
			ServerName:         strings.TrimSpace(f.ServerName),
			Remote:             f.Remote,
			Bind:               f.Bind,
			CAFile:             f.CAFile,
			InsecureSkipVerify: f.InsecureSkipVerify,
			HandshakeTimeout:   ms(f.HandshakeTimeoutMs),
			Reconnect: ReconnectConfig{
				MinBackoff: 200 * time.Millisecond,
				MaxBackoff: 10 * time.Second,
			},
		}
		if cfg.Frontend.Remote == "" {
			cfg.Frontend.Remote = "127.0.0.1:9999"
		}
		if cfg.Frontend.Bind == "" {
			cfg.Frontend.Bind = "0.0.0.0:0"
		}
		if cfg.Frontend.HandshakeTimeout <= 0 {
			cfg.Frontend.HandshakeTimeout = 10 * time.Second
		}
		if r := f.Reconnect; r != nil {
			cfg.Frontend.Reconnect.Enabled = r.Enabled
			if r.MinBackoffMs > 0 {
				cfg.Frontend.Reconnect.MinBackoff = ms(r.MinBackoffMs)
			}
			if r.MaxBackoffMs > 0 {
				cfg.Frontend.Reconnect.MaxBackoff = ms(r.MaxBackoffMs)
			}
		}
	}

	if t := fc.Transport; t != nil {
		if k := strings.ToLower(strings.TrimSpace(t.Kind)); k != "" {
			cfg.Transport.Kind = k
		}
		if len(t.ALPN) > 0 {
			cfg.Transport.ALPN = t.ALPN
		}
		if t.MaxIdleTimeoutMs > 0 {
			cfg.Transport.MaxIdleTimeout = ms(t.MaxIdleTimeoutMs)
		}
		if t.KeepAliveMs > 0 {
			cfg.Transport.KeepAlive = ms(t.KeepAliveMs)
		}
		if t.MaxIncomingStreams > 0 {
			cfg.Transport.MaxIncomingStreams = t.MaxIncomingStreams
		}
		if t.BufferSize > 0 {
			cfg.Transport.BufferSize = t.BufferSize
		}
	}

	if l := fc.Logging; l != nil {
		if l.Level != "" {
			cfg.Logging.Level = l.Level
		}
		if l.Format != "" {
			cfg.Logging.Format = l.Format
		}
		if l.Output != "" {
			cfg.Logging.Output = l.Output
		}
		cfg.Logging.AddSource = l.AddSource
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and address syntax.
func (c *Config) Validate() error {
	if c.Backend == nil && c.Frontend == nil {
		return fmt.Errorf("%w: neither [backend] nor [frontend] is configured", ErrInvalid)
	}
	var errs []error
	if b := c.Backend; b != nil {
		if b.ProxyPass == "" {
			errs = append(errs, errors.New("backend.proxy_pass is required"))
		} else {
			errs = append(errs, checkAddr("backend.proxy_pass", b.ProxyPass))
		}
		errs = append(errs, checkAddr("backend.listen", b.Listen))
		hasCert, hasKey := b.SSLCertificate != "", b.SSLCertificateKey != ""
		switch {
		case b.SelfSignedCertificate:
			if hasCert || hasKey {
				errs = append(errs, errors.New("backend.self_signed_certificate cannot be combined with ssl_certificate/ssl_certificate_key"))
			}
		case !hasCert && !hasKey:
			errs = append(errs, errors.New("backend.ssl_certificate and backend.ssl_certificate_key are required"))
		case hasCert != hasKey:
			errs = append(errs, errors.New("backend.ssl_certificate and backend.ssl_certificate_key must be set together"))
		}
	}
	if f := c.Frontend; f != nil {
		if f.Listen == "" {
			errs = append(errs, errors.New("frontend.listen is required"))
		} else {
			errs = append(errs, checkAddr("frontend.listen", f.Listen))
		}
		if f.ServerName == "" {
			errs = append(errs, errors.New("frontend.server_name is required"))
		}
		errs = append(errs, checkAddr("frontend.remote", f.Remote))
		errs = append(errs, checkAddr("frontend.bind", f.Bind))
		if f.Reconnect.MaxBackoff < f.Reconnect.MinBackoff {
			errs = append(errs, errors.New("frontend.reconnect.max_backoff_ms is below min_backoff_ms"))
		}
	}
	switch c.Transport.Kind {
	case "quic", "tcp", "kcp":
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q (expected quic|tcp|kcp)", c.Transport.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func checkAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
