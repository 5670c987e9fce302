// Package config resolves the client's configuration once, at startup.
//
// Every recognized option is a named field on Config. Default returns a
// fully-populated value; Load overlays a YAML file on it.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ddp/internal/wire"
)

// Config is the complete client configuration.
type Config struct {
	// URL, when set, is used as-is and Host/Port/SSL/Path are ignored.
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	SSL  bool   `yaml:"ssl"`
	Path string `yaml:"path"`

	DDPVersion string `yaml:"ddp_version"`

	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectStep     time.Duration `yaml:"reconnect_step"`

	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	Cache Cache `yaml:"cache"`
}

// Cache selects the persistent cache backend.
type Cache struct {
	// Driver is memory, sqlite or redis.
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// Addr is the redis server address.
	Addr string `yaml:"addr"`
	// Codec is ejson or msgpack.
	Codec string `yaml:"codec"`
}

// Codec names accepted in Cache.Codec.
const (
	CodecEJSON   = "ejson"
	CodecMsgpack = "msgpack"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:              "localhost",
		Port:              3000,
		Path:              "websocket",
		DDPVersion:        "1",
		PingInterval:      30 * time.Second,
		ReconnectInterval: 30 * time.Second,
		ReconnectStep:     5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		Cache: Cache{
			Driver: "memory",
			Codec:  CodecEJSON,
		},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !wire.IsSupportedVersion(c.DDPVersion) {
		errs = append(errs, fmt.Errorf("ddp_version %q not in %v", c.DDPVersion, wire.SupportedVersions))
	}
	if c.URL == "" {
		if c.Host == "" {
			errs = append(errs, errors.New("host is required when url is unset"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
		}
	} else if _, err := url.Parse(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("ping_interval must be positive"))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect_interval must be positive"))
	}
	if c.ReconnectStep < 0 {
		errs = append(errs, errors.New("reconnect_step must not be negative"))
	}
	switch c.Cache.Codec {
	case "", CodecEJSON, CodecMsgpack:
	default:
		errs = append(errs, fmt.Errorf("cache.codec %q unknown", c.Cache.Codec))
	}
	return errors.Join(errs...)
}

// Endpoint returns URL when set, else ws[s]://host:port/path.
func (c Config) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + path
}

// ValueCodec returns the codec named by Cache.Codec.
func (c Config) ValueCodec() wire.ValueCodec {
	if c.Cache.Codec == CodecMsgpack {
		return wire.Msgpack{}
	}
	return wire.EJSON{}
}

// CacheTarget returns the path or address the cache driver needs.
func (c Config) CacheTarget() string {
	if c.Cache.Driver == "redis" {
		return c.Cache.Addr
	}
	return c.Cache.Path
}
