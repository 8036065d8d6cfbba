// Package config loads legosec settings from YAML with environment
// overrides. Missing files fall back to defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is tried when no path is given and LEGOSEC_CONFIG is unset.
const DefaultPath = "configs/legosec.yaml"

type Config struct {
	KDC    KDCConfig    `yaml:"kdc"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type KDCConfig struct {
	Listen string `yaml:"listen"`
	// KeyPath holds the RSA private key; generated on first start. Empty
	// means an ephemeral key.
	KeyPath          string        `yaml:"keyPath"`
	RSABits          int           `yaml:"rsaBits"`
	DBPath           string        `yaml:"dbPath"`
	MaxInFlight      int64         `yaml:"maxInFlight"`
	RatePerSecond    float64       `yaml:"ratePerSecond"`
	RateBurst        int           `yaml:"rateBurst"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	MetricsAddr      string        `yaml:"metricsAddr"`
}

type ClientConfig struct {
	ID               string        `yaml:"id"`
	KDCAddr          string        `yaml:"kdcAddr"`
	IdentityDir      string        `yaml:"identityDir"`
	DBPath           string        `yaml:"dbPath"`
	Transport        string        `yaml:"transport"`
	MaxPeerConns     int64         `yaml:"maxPeerConns"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	Compress         bool          `yaml:"compress"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		KDC: KDCConfig{
			Listen:           ":5000",
			RSABits:          2048,
			DBPath:           "legosec.db",
			MaxInFlight:      256,
			RatePerSecond:    20,
			RateBurst:        40,
			HandshakeTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			KDCAddr:          "127.0.0.1:5000",
			IdentityDir:      ".",
			DBPath:           "legosec.db",
			Transport:        "tcp",
			MaxPeerConns:     256,
			HandshakeTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the first existing file among path, $LEGOSEC_CONFIG and
// DefaultPath over the defaults, then applies environment overrides. An
// explicitly named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	explicit := path != ""
	if !explicit {
		if env := strings.TrimSpace(os.Getenv("LEGOSEC_CONFIG")); env != "" {
			path, explicit = env, true
		}
	}
	if explicit {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, DefaultPath)
	}

	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", p, err)
		}
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	set := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	set("LEGOSEC_KDC_ADDR", &cfg.Client.KDCAddr)
	set("LEGOSEC_KDC_LISTEN", &cfg.KDC.Listen)
	set("LEGOSEC_CLIENT_ID", &cfg.Client.ID)
	set("LEGOSEC_IDENTITY_DIR", &cfg.Client.IdentityDir)
	set("LEGOSEC_TRANSPORT", &cfg.Client.Transport)
	set("LEGOSEC_LOG_LEVEL", &cfg.Log.Level)
	if v := strings.TrimSpace(os.Getenv("LEGOSEC_DB_PATH")); v != "" {
		cfg.KDC.DBPath = v
		cfg.Client.DBPath = v
	}
}

func (c Config) Validate() error {
	switch c.Client.Transport {
	case "tcp", "quic":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Client.Transport)
	}
	if c.KDC.RSABits < 2048 {
		return fmt.Errorf("config: rsaBits %d below 2048", c.KDC.RSABits)
	}
	if c.KDC.MaxInFlight <= 0 || c.Client.MaxPeerConns <= 0 {
		return errors.New("config: connection limits must be positive")
	}
	if c.KDC.RatePerSecond < 0 || c.KDC.RateBurst < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	return nil
}
