// Package config handles TOML configuration parsing and validation for radproxyd.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level, immutable configuration for radproxyd. It is
// assembled once at startup (or on SIGHUP reload) and handed to the
// orchestrator by shared reference; nothing in the core mutates it in place.
type Config struct {
	Listen  ListenConfig     `toml:"listen"`
	Daemon  DaemonConfig     `toml:"server"`
	Clients []ClientConfig   `toml:"client"`
	Servers []ServerConfig   `toml:"server_peer"`
	Realms  []RealmConfig    `toml:"realm"`
	TLS     []TLSConfig      `toml:"tls"`
	Rewrite []RewriteConfig  `toml:"rewrite"`

	// resolved holds derived state built by Load/Validate: compiled realm
	// regexes and name-indexed lookups for clients, servers, TLS and
	// rewrite blocks. It is populated once and never mutated afterward.
	resolved resolved
}

// ListenConfig holds the process-global listen and source addresses.
type ListenConfig struct {
	UDP            string `toml:"listen_udp"`
	TCP            string `toml:"listen_tcp"`
	AccountingUDP  string `toml:"listen_accounting_udp"`
	SourceUDP      string `toml:"source_udp"`
	SourceTCP      string `toml:"source_tcp"`
}

// DaemonConfig holds process-level daemon settings.
type DaemonConfig struct {
	LogLevel        string `toml:"log_level"`
	LogDestination  string `toml:"log_destination"`
	PIDFile         string `toml:"pid_file"`
	MetricsListen   string `toml:"metrics_listen"`
	JournalPath     string `toml:"journal_path"`
	JournalMaxEvents int   `toml:"journal_max_events"`
}

// ClientConfig describes an inbound peer allowed to send requests to this proxy.
type ClientConfig struct {
	Name             string `toml:"name"`
	Type             string `toml:"type"` // "UDP" or "TLS"
	Host             string `toml:"host"`
	Secret           string `toml:"secret"`
	TLSRef           string `toml:"tls"`
	MatchCertAttr    string `toml:"match_cert_attr"`
	RewriteRef       string `toml:"rewrite"`
	RewriteAttrRegex string `toml:"rewrite_attr_regex"`
	RewriteAttrReplace string `toml:"rewrite_attr_replace"`
}

// ServerConfig describes an upstream RADIUS server this proxy forwards to.
type ServerConfig struct {
	Name          string `toml:"name"`
	Type          string `toml:"type"` // "UDP" or "TLS"
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Secret        string `toml:"secret"`
	TLSRef        string `toml:"tls"`
	MatchCertAttr string `toml:"match_cert_attr"`
	RewriteRef    string `toml:"rewrite"`
	StatusServer  string `toml:"status_server"` // "on" or "off"
}

// RealmConfig maps a User-Name pattern to an ordered list of candidate servers.
type RealmConfig struct {
	Pattern      string   `toml:"pattern"`
	Servers      []string `toml:"servers"`
	ReplyMessage string   `toml:"reply_message"`
}

// TLSConfig describes a certificate/key bundle referenced by name from
// ClientConfig.TLSRef / ServerConfig.TLSRef.
type TLSConfig struct {
	Name     string `toml:"name"`
	CAFile   string `toml:"ca_file"`
	CAPath   string `toml:"ca_path"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	KeyPwd   string `toml:"key_pwd"`
	CRLFile  string `toml:"crl_file"`
}

// RewriteConfig names a set of attribute removal rules applied to a packet
// as it crosses a hop.
type RewriteConfig struct {
	Name              string   `toml:"name"`
	RemoveAttrs       []string `toml:"remove_attrs"`
	RemoveVendorAttrs []string `toml:"remove_vendor_attrs"`
}

// resolved holds derived, read-only lookup state built once at load time.
type resolved struct {
	realms  []compiledRealm
	clients map[string]*ClientConfig
	servers map[string]*ServerConfig
	tls     map[string]*TLSConfig
	rewrite map[string]*RewriteConfig
}

type compiledRealm struct {
	cfg *RealmConfig
	re  *regexp.Regexp
}

// Load reads and parses a TOML config file, applies defaults, resolves
// cross-references, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("resolving config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in process-global defaults left unset in the TOML file.
func applyDefaults(cfg *Config) {
	if cfg.Listen.UDP == "" {
		cfg.Listen.UDP = DefaultListenUDP
	}
	if cfg.Listen.TCP == "" {
		cfg.Listen.TCP = DefaultListenTCP
	}
	// listen_accounting_udp has no default: the accounting listener is
	// optional (§5) and only starts when a config explicitly sets it.
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = DefaultLogLevel
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = DefaultPIDFile
	}
	if cfg.Daemon.MetricsListen == "" {
		cfg.Daemon.MetricsListen = DefaultMetricsListen
	}
	if cfg.Daemon.JournalMaxEvents == 0 {
		cfg.Daemon.JournalMaxEvents = DefaultJournalMaxEvents
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Port == 0 {
			cfg.Servers[i].Port = defaultPortForType(cfg.Servers[i].Type)
		}
		if cfg.Servers[i].StatusServer == "" {
			cfg.Servers[i].StatusServer = "off"
		}
		if cfg.Servers[i].Type == "TLS" && cfg.Servers[i].Secret == "" {
			cfg.Servers[i].Secret = DefaultTLSSecret
		}
	}
	for i := range cfg.Clients {
		if cfg.Clients[i].Type == "TLS" && cfg.Clients[i].Secret == "" {
			cfg.Clients[i].Secret = DefaultTLSSecret
		}
	}
}

func defaultPortForType(serverType string) int {
	if strings.EqualFold(serverType, "TLS") {
		return DefaultTLSPort
	}
	return DefaultAuthPort
}

// resolve compiles realm patterns and builds name-indexed lookup tables.
// It must run after applyDefaults and before validate.
func (cfg *Config) resolve() error {
	r := resolved{
		clients: make(map[string]*ClientConfig, len(cfg.Clients)),
		servers: make(map[string]*ServerConfig, len(cfg.Servers)),
		tls:     make(map[string]*TLSConfig, len(cfg.TLS)),
		rewrite: make(map[string]*RewriteConfig, len(cfg.Rewrite)),
	}

	for i := range cfg.Clients {
		c := &cfg.Clients[i]
		if c.Name == "" {
			c.Name = c.Host
		}
		r.clients[c.Name] = c
	}
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		r.servers[s.Name] = s
	}
	for i := range cfg.TLS {
		t := &cfg.TLS[i]
		r.tls[t.Name] = t
	}
	for i := range cfg.Rewrite {
		rw := &cfg.Rewrite[i]
		r.rewrite[rw.Name] = rw
	}

	r.realms = make([]compiledRealm, 0, len(cfg.Realms))
	for i := range cfg.Realms {
		rc := &cfg.Realms[i]
		re, err := regexp.Compile("(?i)" + expandRealmPattern(rc.Pattern))
		if err != nil {
			return fmt.Errorf("realm[%d] pattern %q: %w", i, rc.Pattern, err)
		}
		r.realms = append(r.realms, compiledRealm{cfg: rc, re: re})
	}

	cfg.resolved = r
	return nil
}

// expandRealmPattern applies the realm auto-wrapping rules (§9): a bare "*"
// matches any realm, a pattern prefixed with "/" is taken as a regex
// verbatim (the slash stripped), and anything else is a plain string
// treated as a literal suffix, dot-escaped and anchored with "@...$". A
// plain dotted realm like "example.org" must never be compiled as an
// unanchored regex, where "." would match any character — only an
// explicit "/" prefix opts a pattern into regex syntax.
func expandRealmPattern(pattern string) string {
	if pattern == "*" {
		return ".*"
	}
	if rest, ok := strings.CutPrefix(pattern, "/"); ok {
		return rest
	}
	return "@" + regexp.QuoteMeta(pattern) + "$"
}

// validate checks the resolved configuration for required fields and
// cross-reference integrity.
func (cfg *Config) validate() error {
	if len(cfg.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured")
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	if len(cfg.Realms) == 0 {
		return fmt.Errorf("at least one realm must be configured")
	}

	for i, c := range cfg.Clients {
		if c.Host == "" {
			return fmt.Errorf("client[%d]: host is required", i)
		}
		if c.Type != "UDP" && c.Type != "TLS" {
			return fmt.Errorf("client[%d] (%s): type must be UDP or TLS, got %q", i, c.Name, c.Type)
		}
		if c.Secret == "" && c.Type == "UDP" {
			return fmt.Errorf("client[%d] (%s): secret is required for UDP clients", i, c.Name)
		}
		if c.TLSRef != "" {
			if _, ok := cfg.resolved.tls[c.TLSRef]; !ok {
				return fmt.Errorf("client[%d] (%s): tls %q not found", i, c.Name, c.TLSRef)
			}
		}
		if c.RewriteRef != "" {
			if _, ok := cfg.resolved.rewrite[c.RewriteRef]; !ok {
				return fmt.Errorf("client[%d] (%s): rewrite %q not found", i, c.Name, c.RewriteRef)
			}
		}
	}

	for i, s := range cfg.Servers {
		if s.Name == "" {
			return fmt.Errorf("server[%d]: name is required", i)
		}
		if s.Host == "" {
			return fmt.Errorf("server[%d] (%s): host is required", i, s.Name)
		}
		if s.Type != "UDP" && s.Type != "TLS" {
			return fmt.Errorf("server[%d] (%s): type must be UDP or TLS, got %q", i, s.Name, s.Type)
		}
		if s.Secret == "" {
			return fmt.Errorf("server[%d] (%s): secret is required", i, s.Name)
		}
		if s.TLSRef != "" {
			if _, ok := cfg.resolved.tls[s.TLSRef]; !ok {
				return fmt.Errorf("server[%d] (%s): tls %q not found", i, s.Name, s.TLSRef)
			}
		}
		if s.RewriteRef != "" {
			if _, ok := cfg.resolved.rewrite[s.RewriteRef]; !ok {
				return fmt.Errorf("server[%d] (%s): rewrite %q not found", i, s.Name, s.RewriteRef)
			}
		}
	}

	for i, r := range cfg.Realms {
		if r.Pattern == "" {
			return fmt.Errorf("realm[%d]: pattern is required", i)
		}
		for _, srvName := range r.Servers {
			if _, ok := cfg.resolved.servers[srvName]; !ok {
				return fmt.Errorf("realm[%d] (%s): server %q not found", i, r.Pattern, srvName)
			}
		}
	}

	for i, t := range cfg.TLS {
		if t.CertFile == "" {
			return fmt.Errorf("tls[%d] (%s): cert_file is required", i, t.Name)
		}
		if t.KeyFile == "" {
			return fmt.Errorf("tls[%d] (%s): key_file is required", i, t.Name)
		}
	}

	return nil
}

// Client returns the named client configuration, or nil if absent.
func (cfg *Config) Client(name string) *ClientConfig {
	return cfg.resolved.clients[name]
}

// Server returns the named server configuration, or nil if absent.
func (cfg *Config) Server(name string) *ServerConfig {
	return cfg.resolved.servers[name]
}

// TLSBundle returns the named TLS configuration, or nil if absent.
func (cfg *Config) TLSBundle(name string) *TLSConfig {
	return cfg.resolved.tls[name]
}

// RewriteRule returns the named rewrite configuration, or nil if absent.
func (cfg *Config) RewriteRule(name string) *RewriteConfig {
	return cfg.resolved.rewrite[name]
}

// MatchRealm returns the realm whose pattern matches userName, scanning in
// configuration order, and nil if none match.
func (cfg *Config) MatchRealm(userName string) *RealmConfig {
	for _, cr := range cfg.resolved.realms {
		if cr.re.MatchString(userName) {
			return cr.cfg
		}
	}
	return nil
}

// RealmServers returns the configured upstream ServerConfigs for a realm, in
// the order listed in the realm block.
func (cfg *Config) RealmServers(r *RealmConfig) []*ServerConfig {
	out := make([]*ServerConfig, 0, len(r.Servers))
	for _, name := range r.Servers {
		if s, ok := cfg.resolved.servers[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
