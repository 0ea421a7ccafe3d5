package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

type Config struct {
	Log         Log           `yaml:"log"`
	SysfsRoot   string        `yaml:"sysfs_root" validate:"required"`
	DevRoot     string        `yaml:"dev_root" validate:"required"`
	Tools       Tools         `yaml:"tools"`
	LUNCacheTTL time.Duration `yaml:"lun_cache_ttl" validate:"gte=0"`
	Journal     Journal       `yaml:"journal"`
	Events      Events        `yaml:"events"`
	Metrics     Metrics       `yaml:"metrics"`
	// Devices activated by `zfcpgod apply`
	Devices []Device `yaml:"devices" validate:"dive"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

type Tools struct {
	Chzdev string `yaml:"chzdev" validate:"required"`
	Lsluns string `yaml:"lsluns" validate:"required"`
}

type Journal struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

type Events struct {
	// "netlink" listens to udev; "inotify" watches /dev/disk/by-path for disks
	DiskSource string `yaml:"disk_source" validate:"oneof=netlink inotify"`
	Buffer     int    `yaml:"buffer" validate:"gte=1"`
}

type Metrics struct {
	Namespace string `yaml:"namespace" validate:"required"`
	Addr      string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Device is a controller, or a full controller/WWPN/LUN triple.
type Device struct {
	Controller string `yaml:"controller" validate:"required,busid"`
	WWPN       string `yaml:"wwpn,omitempty" validate:"required_with=LUN"`
	LUN        string `yaml:"lun,omitempty" validate:"required_with=WWPN"`
}

// Path returns the device address.
func (d Device) Path() zfcp.Path {
	return zfcp.DiskPath(d.Controller, d.WWPN, d.LUN)
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log:         Log{Level: "info", Format: "console"},
		SysfsRoot:   "/sys",
		DevRoot:     "/dev",
		Tools:       Tools{Chzdev: "chzdev", Lsluns: "lsluns"},
		LUNCacheTTL: 5 * time.Minute,
		Journal:     Journal{Enabled: true, Path: "/var/lib/zfcpgod/journal.db"},
		Events:      Events{DiskSource: "netlink", Buffer: 64},
		Metrics:     Metrics{Namespace: "zfcpgod"},
	}
}

var busIDPattern = regexp.MustCompile(`^[0-9a-fA-F]+\.[0-9a-fA-F]+\.[0-9a-fA-F]{4}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("busid", func(fl validator.FieldLevel) bool {
		return busIDPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		panic(fmt.Sprintf("registering busid validation: %v", err))
	}
	return v
}

// Load reads the configuration from path, or from the first default
// location that exists. Missing settings keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		candidates := []string{
			"/etc/zfcpgod/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/zfcpgod/config.yaml"),
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DevicePaths returns the configured devices as hierarchy addresses.
func (c *Config) DevicePaths() []zfcp.Path {
	paths := make([]zfcp.Path, 0, len(c.Devices))
	for _, d := range c.Devices {
		paths = append(paths, d.Path())
	}
	return paths
}
