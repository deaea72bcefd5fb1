// Package config loads the agent configuration from YAML with CONQUEST_* environment
// overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Store  StoreConfig  `yaml:"store"`
	Sweep  SweepConfig  `yaml:"sweep"`
	Server ServerConfig `yaml:"server"`
	Backup BackupConfig `yaml:"backup"`
}

type LedgerConfig struct {
	RPCURL   string `yaml:"rpc_url"`
	Contract string `yaml:"contract"`
	ChainID  int64  `yaml:"chain_id"`
	// KeyEnv names the environment variable holding the hex private key.
	KeyEnv            string        `yaml:"key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	JournalDir string `yaml:"journal_dir"`
	BackupDir  string `yaml:"backup_dir"`
}

type SweepConfig struct {
	Interval     time.Duration `yaml:"interval"`
	AutoWithdraw bool          `yaml:"auto_withdraw"`
	// Retention is how long resolved fleets and closed exits are kept. Zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

// BackupConfig schedules store exports. Offsite upload is enabled when Endpoint
// and Bucket are both set; credentials come from the named environment variables.
type BackupConfig struct {
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"`

	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

func (b BackupConfig) Offsite() bool {
	return b.Endpoint != "" && b.Bucket != ""
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	HMACSecret  string `yaml:"hmac_secret"`
	RequireHMAC bool   `yaml:"require_hmac"`
	// AllowLegacyHMAC accepts signatures that bind neither agent id nor nonce.
	AllowLegacyHMAC bool `yaml:"allow_legacy_hmac"`
	EventBuffer     int  `yaml:"event_buffer"`
	MetricsEnabled  bool `yaml:"metrics_enabled"`
}

// LoopbackOnly reports whether Listen binds a loopback address only.
func (s ServerConfig) LoopbackOnly() bool {
	host := strings.TrimSpace(s.Listen)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:            "http://127.0.0.1:8545",
			KeyEnv:            "CONQUEST_PRIVATE_KEY",
			Timeout:           20 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Store: StoreConfig{
			Path:       "./data/conquest/pending.db",
			JournalDir: "./data/conquest/journal",
			BackupDir:  "./data/conquest/backups",
		},
		Sweep: SweepConfig{
			Interval:  time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8090",
			AllowLegacyHMAC: true,
			EventBuffer:     1024,
			MetricsEnabled:  true,
		},
		Backup: BackupConfig{
			Interval:     time.Hour,
			Keep:         48,
			AccessKeyEnv: "CONQUEST_BACKUP_ACCESS_KEY_ID",
			SecretKeyEnv: "CONQUEST_BACKUP_SECRET_ACCESS_KEY",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONQUEST_* variables. DEPLOY_ENV=staging or
// production first turns on strict auth; explicit variables still win.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	switch strings.ToLower(strings.TrimSpace(getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		c.Server.RequireHMAC = true
		c.Server.AllowLegacyHMAC = false
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CONQUEST_RPC_URL", &c.Ledger.RPCURL)
	str("CONQUEST_CONTRACT", &c.Ledger.Contract)
	str("CONQUEST_KEY_ENV", &c.Ledger.KeyEnv)
	str("CONQUEST_DB", &c.Store.Path)
	str("CONQUEST_JOURNAL_DIR", &c.Store.JournalDir)
	str("CONQUEST_BACKUP_DIR", &c.Store.BackupDir)
	str("CONQUEST_LISTEN", &c.Server.Listen)
	str("CONQUEST_HMAC_SECRET", &c.Server.HMACSecret)
	str("CONQUEST_BACKUP_ENDPOINT", &c.Backup.Endpoint)
	str("CONQUEST_BACKUP_BUCKET", &c.Backup.Bucket)

	if v := strings.TrimSpace(getenv("CONQUEST_CHAIN_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONQUEST_CHAIN_ID: %w", err)
		}
		c.Ledger.ChainID = n
	}
	for key, dst := range map[string]*time.Duration{
		"CONQUEST_LEDGER_TIMEOUT":  &c.Ledger.Timeout,
		"CONQUEST_SWEEP_INTERVAL":  &c.Sweep.Interval,
		"CONQUEST_RETENTION":       &c.Sweep.Retention,
		"CONQUEST_BACKUP_INTERVAL": &c.Backup.Interval,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*bool{
		"CONQUEST_AUTO_WITHDRAW":     &c.Sweep.AutoWithdraw,
		"CONQUEST_REQUIRE_HMAC":      &c.Server.RequireHMAC,
		"CONQUEST_METRICS":           &c.Server.MetricsEnabled,
		"CONQUEST_HMAC_ALLOW_LEGACY": &c.Server.AllowLegacyHMAC,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Ledger.RPCURL = strings.TrimSpace(c.Ledger.RPCURL)
	c.Ledger.Contract = strings.TrimSpace(c.Ledger.Contract)
	if c.Ledger.Timeout <= 0 {
		c.Ledger.Timeout = 20 * time.Second
	}
	if c.Ledger.Burst <= 0 {
		c.Ledger.Burst = 1
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = time.Minute
	}
	if c.Sweep.Retention < 0 {
		c.Sweep.Retention = 0
	}
	if c.Server.EventBuffer <= 0 {
		c.Server.EventBuffer = 1024
	}
	c.Backup.Endpoint = strings.TrimSpace(c.Backup.Endpoint)
	c.Backup.Bucket = strings.TrimSpace(c.Backup.Bucket)
	if c.Backup.Interval < 0 {
		c.Backup.Interval = 0
	}
	if c.Backup.Keep <= 0 {
		c.Backup.Keep = 1
	}
}

func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Ledger.Contract != "" && !common.IsHexAddress(c.Ledger.Contract) {
		return fmt.Errorf("ledger.contract %q is not an address", c.Ledger.Contract)
	}
	if c.Ledger.ChainID < 0 {
		return fmt.Errorf("ledger.chain_id must be >= 0")
	}
	if c.Ledger.RequestsPerSecond < 0 {
		return fmt.Errorf("ledger.requests_per_second must be >= 0")
	}
	if (c.Backup.Endpoint == "") != (c.Backup.Bucket == "") {
		return fmt.Errorf("backup.endpoint and backup.bucket must be set together")
	}
	if c.Backup.Offsite() && c.Store.BackupDir == "" {
		return fmt.Errorf("backup upload needs store.backup_dir")
	}
	if strings.TrimSpace(c.Server.HMACSecret) == "" {
		if c.Server.RequireHMAC {
			return fmt.Errorf("server.require_hmac set without server.hmac_secret")
		}
		if !c.Server.LoopbackOnly() {
			return fmt.Errorf("refusing non-loopback server.listen %q without server.hmac_secret", c.Server.Listen)
		}
	}
	return nil
}

// ContractAddress is the parsed contract address; zero when unset.
func (c Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Ledger.Contract)
}
