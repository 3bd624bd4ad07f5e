package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootloaderType selects how the top-level bootloader config is written
type BootloaderType string

const (
	BootloaderAuto  BootloaderType = "auto"
	BootloaderNone  BootloaderType = "none"
	BootloaderGrub2 BootloaderType = "grub2"
	BootloaderUBoot BootloaderType = "uboot"
)

// DefaultPath is where the CLI looks for its configuration
const DefaultPath = "/etc/sysrootctl/config.yaml"

// Config represents the complete sysrootctl configuration
type Config struct {
	Sysroot    SysrootConfig    `yaml:"sysroot"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Bootloader BootloaderConfig `yaml:"bootloader"`
}

// SysrootConfig configures the managed filesystem
type SysrootConfig struct {
	Path string `yaml:"path"`
	// RootPath is the root directory of the running system. The deployment
	// whose directory is the same inode is the booted one.
	RootPath string `yaml:"root_path"`
}

// DeployConfig configures deploy and upgrade behavior
type DeployConfig struct {
	OSName     string   `yaml:"osname"`
	Retain     bool     `yaml:"retain"`
	KernelArgs []string `yaml:"kernel_args"`
}

// BootloaderConfig configures the platform bootloader
type BootloaderConfig struct {
	Type          BootloaderType `yaml:"type"`
	Grub2Mkconfig string         `yaml:"grub2_mkconfig"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Sysroot.Path = os.ExpandEnv(c.Sysroot.Path)
	c.Sysroot.RootPath = os.ExpandEnv(c.Sysroot.RootPath)
	c.Deploy.OSName = os.ExpandEnv(c.Deploy.OSName)
	for i, arg := range c.Deploy.KernelArgs {
		c.Deploy.KernelArgs[i] = os.ExpandEnv(arg)
	}
	c.Bootloader.Grub2Mkconfig = os.ExpandEnv(c.Bootloader.Grub2Mkconfig)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sysroot.Path == "" {
		c.Sysroot.Path = "/"
	}
	if c.Bootloader.Type == "" {
		c.Bootloader.Type = BootloaderAuto
	}
	if c.Bootloader.Grub2Mkconfig == "" {
		c.Bootloader.Grub2Mkconfig = "grub2-mkconfig"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Sysroot.Path == "" {
		return fmt.Errorf("sysroot.path is required")
	}
	if !filepath.IsAbs(c.Sysroot.Path) {
		return fmt.Errorf("sysroot.path must be an absolute path: %s", c.Sysroot.Path)
	}
	if c.Sysroot.RootPath != "" && !filepath.IsAbs(c.Sysroot.RootPath) {
		return fmt.Errorf("sysroot.root_path must be an absolute path: %s", c.Sysroot.RootPath)
	}

	if strings.ContainsAny(c.Deploy.OSName, "/ \t") {
		return fmt.Errorf("invalid deploy.osname: %q", c.Deploy.OSName)
	}
	for _, arg := range c.Deploy.KernelArgs {
		key, _, _ := strings.Cut(arg, "=")
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid deploy.kernel_args entry: %q", arg)
		}
	}

	switch c.Bootloader.Type {
	case BootloaderAuto, BootloaderNone, BootloaderGrub2, BootloaderUBoot:
		// valid
	default:
		return fmt.Errorf("invalid bootloader.type: %s (must be auto, none, grub2, or uboot)", c.Bootloader.Type)
	}
	if c.Bootloader.Type == BootloaderGrub2 && c.Bootloader.Grub2Mkconfig == "" {
		return fmt.Errorf("bootloader.grub2_mkconfig is required for grub2")
	}

	return nil
}

// BootedRootPath returns the directory the booted deployment is matched
// against. Only a live system ("/") has one by default.
func (c *Config) BootedRootPath() string {
	if c.Sysroot.RootPath != "" {
		return c.Sysroot.RootPath
	}
	if c.IsLive() {
		return "/"
	}
	return ""
}

// RepoDir returns the path of the content store
func (c *Config) RepoDir() string {
	return filepath.Join(c.Sysroot.Path, "ostree", "repo")
}

// LockPath returns the advisory lock file serializing sysroot writers
func (c *Config) LockPath() string {
	return filepath.Join(c.Sysroot.Path, "ostree", "lock")
}

// IsLive reports whether the configured sysroot is the running system
func (c *Config) IsLive() bool {
	return filepath.Clean(c.Sysroot.Path) == "/"
}
