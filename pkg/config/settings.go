package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/tgagor/dapp/pkg/util"
)

const appName = "dapp"

// Settings configure the tool itself rather than a project. They come from
// an optional settings file and DAPP_* environment variables.
type Settings struct {
	Home        string        `mapstructure:"home"`
	LockDir     string        `mapstructure:"lock_dir"`
	TmpDir      string        `mapstructure:"tmp_dir"`
	GitCacheDir string        `mapstructure:"git_cache_dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	StaleGrace  time.Duration `mapstructure:"stale_grace"`
	StagesRepo  string        `mapstructure:"stages_repo"`
	Parallel    int           `mapstructure:"parallel"`
	PushRetries int           `mapstructure:"push_retries"`
}

// DefaultSettingsFile is $XDG_CONFIG_HOME/dapp/settings.yaml.
func DefaultSettingsFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "settings.yaml")
}

// LoadSettings reads file, or the default settings file when file is empty
// (a missing default file is fine), and applies environment overrides.
func LoadSettings(file string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("home", filepath.Join(xdg.CacheHome, appName))
	v.SetDefault("lock_dir", "")
	v.SetDefault("tmp_dir", "")
	v.SetDefault("git_cache_dir", "")
	v.SetDefault("lock_timeout", 10*time.Minute)
	v.SetDefault("stale_grace", 30*time.Second)
	v.SetDefault("stages_repo", "")
	v.SetDefault("parallel", 2)
	v.SetDefault("push_retries", 3)

	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := file != ""
	if !explicit {
		file = DefaultSettingsFile()
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || isNotExist(err)) {
			return nil, &util.ConfigError{Field: file, Err: err}
		}
		log.Trace().Str("file", file).Msg("No settings file, using defaults")
	} else {
		log.Debug().Str("file", file).Msg("Loaded settings")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, &util.ConfigError{Field: file, Err: err}
	}
	s.fillDerived()
	return &s, nil
}

func (s *Settings) fillDerived() {
	if s.LockDir == "" {
		s.LockDir = filepath.Join(s.Home, "locks")
	}
	if s.TmpDir == "" {
		s.TmpDir = filepath.Join(s.Home, "tmp")
	}
	if s.GitCacheDir == "" {
		s.GitCacheDir = filepath.Join(s.Home, "git")
	}
	if s.Parallel < 1 {
		s.Parallel = 1
	}
	if s.PushRetries < 0 {
		s.PushRetries = 0
	}
}

// Apply lets command line flags override settings.
func (s *Settings) Apply(flags *Flags) {
	if flags == nil {
		return
	}
	if flags.LockTimeout > 0 {
		s.LockTimeout = flags.LockTimeout
	}
	if flags.StagesRepo != "" {
		s.StagesRepo = flags.StagesRepo
	}
	if flags.Parallel > 0 {
		s.Parallel = flags.Parallel
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
