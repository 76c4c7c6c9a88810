package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses BRANCHFS_CONFIG_DIR env var if set, otherwise defaults to ~/.branchfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("BRANCHFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".branchfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// RegistryPath returns the workspace registry database path
func RegistryPath() string {
	return filepath.Join(getConfigDir(), "registry.db")
}

// LogPath returns the log file path.
// Uses BRANCHFS_LOG env var if set, otherwise defaults to config_dir/branchfs.log.
func LogPath() string {
	if envPath := os.Getenv("BRANCHFS_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "branchfs.log")
}

// LockPath returns the lock file path guarding a workspace's mount session
func LockPath(workspace string) string {
	return filepath.Join(getConfigDir(), sanitizeName(workspace)+".lock")
}

// UpperRootPath returns the default upper-layer directory for a workspace
func UpperRootPath(workspace string) string {
	return filepath.Join(getConfigDir(), "upper", sanitizeName(workspace))
}

// MountPath returns the default mount point for a workspace
func MountPath(workspace string) string {
	return filepath.Join(getConfigDir(), "mnt_"+sanitizeName(workspace))
}

// sanitizeName makes a repo or branch name safe to use as a path component.
// Branch names like "feature/login" contain slashes.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "-", string(filepath.Separator), "-", " ", "-", ":", "-")
	return replacer.Replace(name)
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// WorkspaceConfig is per-repository configuration from {repo}/.branchfs.yaml
type WorkspaceConfig struct {
	Passthrough  []string `yaml:"passthrough"`   // glob rules that bypass the overlay, default: [".git/**"]
	Logging      string   `yaml:"logging"`       // logging level: none, debug, info, trace (case insensitive)
	MountPoint   string   `yaml:"mount-point"`   // override the default mount point
	NotifyBuffer int      `yaml:"notify-buffer"` // change stream depth, 0 = default
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *WorkspaceConfig) ApplyDefaults() {
	if cfg.Passthrough == nil {
		cfg.Passthrough = []string{".git/**"}
	}
}

// LoggingEnabled returns whether logging is enabled (any level other than "none" or empty).
func (cfg *WorkspaceConfig) LoggingEnabled() bool {
	level := strings.ToLower(cfg.Logging)
	return level != "" && level != "none"
}

// LogLevel returns the normalized (lowercase) logging level.
// Returns empty string if logging is disabled.
func (cfg *WorkspaceConfig) LogLevel() string {
	return strings.ToLower(cfg.Logging)
}

// LoadWorkspaceConfig loads the config from {repoDir}/.branchfs.yaml.
// A missing file yields defaults rather than an error.
func LoadWorkspaceConfig(repoDir string) (*WorkspaceConfig, error) {
	if repoDir == "" {
		cfg := &WorkspaceConfig{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return LoadWorkspaceConfigFromPath(filepath.Join(repoDir, ".branchfs.yaml"))
}

// LoadWorkspaceConfigFromPath loads the config from a specific file path.
// A missing file yields defaults rather than an error.
func LoadWorkspaceConfigFromPath(configPath string) (*WorkspaceConfig, error) {
	var cfg WorkspaceConfig
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
