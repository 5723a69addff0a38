// Package config loads the server configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is process-wide configuration. It is built once at startup and read
// only afterwards.
type Config struct {
	Root      string `yaml:"root" env:"SHAREHTTP_ROOT" env-default:"."`
	UploadDir string `yaml:"uploadDir" env:"SHAREHTTP_UPLOAD_DIR" env-default:"uploads"`
	ExtraDir  string `yaml:"extraDir" env:"SHAREHTTP_EXTRA_DIR"`

	Address   string `yaml:"address" env:"SHAREHTTP_ADDRESS" env-default:":8000"`
	CacheSize int    `yaml:"cacheSize" env:"SHAREHTTP_CACHE_SIZE" env-default:"128"`
	Quiet     bool   `yaml:"quiet" env:"SHAREHTTP_QUIET"`
	Dev       bool   `yaml:"dev" env:"SHAREHTTP_DEV"`

	// Root entries hidden from /list.
	StaticAssets []string `yaml:"staticAssets" env:"SHAREHTTP_STATIC_ASSETS" env-separator:"," env-default:"index.html,style.css"`

	ReadTimeout  time.Duration `yaml:"readTimeout" env:"SHAREHTTP_READ_TIMEOUT" env-default:"60s"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"SHAREHTTP_WRITE_TIMEOUT" env-default:"60s"`
	IdleTimeout  time.Duration `yaml:"idleTimeout" env:"SHAREHTTP_IDLE_TIMEOUT" env-default:"120s"`
}

// Dirs holds the resolved boundary directories. Uploads is always a direct
// child of Root. Extra is empty when no extra directory is configured.
type Dirs struct {
	Root    string
	Uploads string
	Extra   string
}

// Load reads configuration from path when it is not empty, otherwise from the
// environment alone. Defaults fill in anything left unset.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config from %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}

// Usage returns a description of the environment variables Load understands.
func Usage() string {
	var cfg Config
	s, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return s
}

// Prepare resolves the configured directories. The root must exist; the
// upload directory is created below it if absent. The extra directory is only
// resolved here, its existence is checked per request.
func (c *Config) Prepare() (Dirs, error) {
	var dirs Dirs
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return Dirs{}, fmt.Errorf("root %s: %w", c.Root, err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return Dirs{}, fmt.Errorf("root %s: %w", c.Root, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return Dirs{}, fmt.Errorf("root %s: %w", c.Root, err)
	}
	if !fi.IsDir() {
		return Dirs{}, fmt.Errorf("root %s is not a directory", c.Root)
	}
	dirs.Root = root

	name := filepath.Base(filepath.Clean(c.UploadDir))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return Dirs{}, fmt.Errorf("invalid upload directory name %q", c.UploadDir)
	}
	dirs.Uploads = filepath.Join(root, name)
	if err := os.MkdirAll(dirs.Uploads, 0o755); err != nil {
		return Dirs{}, fmt.Errorf("failed to create upload directory: %w", err)
	}

	extra := strings.TrimSpace(c.ExtraDir)
	if extra == "" || extra == "None" {
		return dirs, nil
	}
	extra, err = expandHome(extra)
	if err != nil {
		return Dirs{}, err
	}
	extra, err = filepath.Abs(extra)
	if err != nil {
		return Dirs{}, fmt.Errorf("extra dir %s: %w", c.ExtraDir, err)
	}
	if resolved, err := filepath.EvalSymlinks(extra); err == nil {
		extra = resolved
	}
	dirs.Extra = extra
	return dirs, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
