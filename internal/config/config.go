// Package config resolves the daemon's Config object (§6) from
// defaults, environment variables, and an optional local override
// file. Parsing of the server-pushed data-collection configuration
// schema is explicitly out of scope here (spec.md §1 Non-goals); this
// only resolves the key set §6 names.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerEntry is one allowlist entry: a literal address or hostname,
// resolved lazily by internal/session.
type ServerEntry struct {
	Address      string `mapstructure:"address"`
	Master       bool   `mapstructure:"master"`
	Control      bool   `mapstructure:"control"`
	ReadOnly     bool   `mapstructure:"read_only"`
	AcceptsTraps bool   `mapstructure:"accepts_traps"`
	AuthRequired bool   `mapstructure:"auth_required"`
	Secret       string `mapstructure:"secret"`
}

// TunnelEntry is one configured outbound tunnel upstream.
type TunnelEntry struct {
	Hostname        string `mapstructure:"hostname"`
	Port            int    `mapstructure:"port"`
	CertificateFile string `mapstructure:"certificate_file"`
	CertificateHost string `mapstructure:"certificate_host_store_alias"`
	PinnedFingerprint string `mapstructure:"pinned_fingerprint"`
}

// Config is the fully-resolved object every subsystem is constructed
// from; §6 "a resolved Config object with a known set of keys".
type Config struct {
	BindAddressV4 string        `mapstructure:"bind_address_v4"`
	BindAddressV6 string        `mapstructure:"bind_address_v6"`
	Port          int           `mapstructure:"port"`

	Servers []ServerEntry `mapstructure:"servers"`
	Tunnels []TunnelEntry `mapstructure:"tunnels"`

	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxSessions   int           `mapstructure:"max_sessions"`

	MinCollectorPool int `mapstructure:"min_collector_pool"`
	MaxCollectorPool int `mapstructure:"max_collector_pool"`

	DBWriterFlushInterval time.Duration `mapstructure:"db_writer_flush_interval"`
	MaxTransactionSize    int           `mapstructure:"max_transaction_size"`

	ReconciliationBlockSize int           `mapstructure:"reconciliation_block_size"`
	ReconciliationTimeout   time.Duration `mapstructure:"reconciliation_timeout"`
	OfflineExpirationDays   int           `mapstructure:"offline_expiration_days"`

	ZoneUIN       uint32 `mapstructure:"zone_uin"`
	TrustedRoots  string `mapstructure:"trusted_roots"`

	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	CertificateDir    string        `mapstructure:"certificate_dir"`

	DatabasePath string `mapstructure:"database_path"`

	SNMPTrapPort   int    `mapstructure:"snmp_trap_port"`
	SyslogPort     int    `mapstructure:"syslog_port"`
	BindAddress    string `mapstructure:"proxy_bind_address"`

	LocalIPCSocketPath        string `mapstructure:"local_ipc_socket_path"`
	SessionAgentSocketPath    string `mapstructure:"session_agent_socket_path"`
	MasterAgentSocketPath     string `mapstructure:"master_agent_socket_path"`
	ControlSocketPath         string `mapstructure:"control_socket_path"`
}

const maxBulkBlockSize = 4096

// compiledDefaultMaxSessions is the fallback used when MaxSessions
// resolves to 0 (§8 boundary behavior: "it never becomes literally
// zero").
const compiledDefaultMaxSessions = 256

// Load resolves configuration from defaults, environment (prefixed
// AGENTD_), and an optional file at path (may be empty).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("agentd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	c.normalize()
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address_v4", "0.0.0.0")
	v.SetDefault("port", 4700)
	v.SetDefault("idle_timeout", "5m")
	v.SetDefault("max_sessions", compiledDefaultMaxSessions)
	v.SetDefault("min_collector_pool", 4)
	v.SetDefault("max_collector_pool", 64)
	v.SetDefault("db_writer_flush_interval", "1s")
	v.SetDefault("max_transaction_size", 200)
	v.SetDefault("reconciliation_block_size", 256)
	v.SetDefault("reconciliation_timeout", "30s")
	v.SetDefault("offline_expiration_days", 3)
	v.SetDefault("keepalive_interval", "30s")
	v.SetDefault("certificate_dir", "/var/lib/agentd/certs")
	v.SetDefault("database_path", "/var/lib/agentd/agentd.db")
	v.SetDefault("snmp_trap_port", 162)
	v.SetDefault("syslog_port", 514)
	v.SetDefault("proxy_bind_address", "0.0.0.0")
	v.SetDefault("local_ipc_socket_path", "/var/run/agentd/push.sock")
	v.SetDefault("session_agent_socket_path", "/var/run/agentd/session-agent.sock")
	v.SetDefault("master_agent_socket_path", "/var/run/agentd/master-agent.sock")
	v.SetDefault("control_socket_path", "/var/run/agentd/control.sock")
}

// normalize applies the §8 boundary-behavior clamps.
func (c *Config) normalize() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = compiledDefaultMaxSessions
	}
	if c.ReconciliationBlockSize < 16 {
		c.ReconciliationBlockSize = 16
	} else if c.ReconciliationBlockSize > maxBulkBlockSize {
		c.ReconciliationBlockSize = maxBulkBlockSize
	}
	if c.MinCollectorPool < 1 {
		c.MinCollectorPool = 1
	}
	if c.MaxCollectorPool < c.MinCollectorPool {
		c.MaxCollectorPool = c.MinCollectorPool
	}
}
