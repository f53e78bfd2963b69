package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
)

// Config carries engine tuning. Validate fills in an empty upgrade rule and
// rejects invalid settings.
type Config struct {
	LogLevel string `toml:"log-level"`

	// LockTableShards is rounded up to a power of two; zero sizes the table
	// from GOMAXPROCS.
	LockTableShards int `toml:"lock-table-shards"`
	// LockTimeout is the default wait for lock acquisition. Negative waits
	// forever.
	LockTimeout time.Duration `toml:"lock-timeout"`
	// UpgradeRule is "strict", "lenient" or "unchecked".
	UpgradeRule string `toml:"upgrade-rule"`

	// FragmentThreshold is the value size, in bytes, at or above which a
	// value is stored fragmented and becomes subject to trash bookkeeping.
	FragmentThreshold int `toml:"fragment-threshold"`

	Engine Engine `toml:"engine"`
}

// Engine tunes the badger stores backing persistent indexes.
type Engine struct {
	DBPath string `toml:"db-path"` // Directory for the data. Created if missing; must be writable.

	ValueThreshold int   `toml:"value-threshold"`
	MaxTableSize   int64 `toml:"max-table-size"`
	NumMemTables   int   `toml:"num-mem-tables"`
	NumCompactors  int   `toml:"num-compactors"`
	VlogFileSize   int64 `toml:"vlog-file-size"`
	SyncWrites     bool  `toml:"sync-writes"`
}

const (
	KB uint64 = 1024
	MB uint64 = KB * 1024
)

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		LockTimeout:       time.Second,
		UpgradeRule:       "strict",
		FragmentThreshold: 4096,
		Engine: Engine{
			DBPath:         "/tmp/tuplkv",
			ValueThreshold: 256,
			MaxTableSize:   64 * int64(MB),
			NumMemTables:   3,
			NumCompactors:  1,
			VlogFileSize:   256 * int64(MB),
			SyncWrites:     true,
		},
	}
}

// FromTOML loads a config from the file at path, over the defaults.
func FromTOML(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.UpgradeRule {
	case "strict", "lenient", "unchecked":
	case "":
		c.UpgradeRule = "strict"
	default:
		return fmt.Errorf("unknown upgrade rule %q", c.UpgradeRule)
	}
	if c.FragmentThreshold <= 0 {
		return fmt.Errorf("fragment threshold must be positive")
	}
	if c.LockTimeout == 0 {
		log.Warnf("zero lock timeout makes every contended lock request fail fast")
	}
	if c.Engine.NumMemTables <= 0 {
		return fmt.Errorf("num-mem-tables must be greater than 0")
	}
	return nil
}
