package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
[listen]
listen_udp = ":1812"
listen_tcp = ":2083"
listen_accounting_udp = ":1813"

[server]
log_level = "info"
pid_file = "/tmp/radproxyd.pid"

[[client]]
name = "nas1"
type = "UDP"
host = "10.0.0.1"
secret = "c"

[[server_peer]]
name = "upstream1"
type = "UDP"
host = "10.1.0.1"
secret = "s"

[[realm]]
pattern = "example.org"
servers = ["upstream1"]
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.UDP != ":1812" {
		t.Errorf("Listen.UDP = %q, want %q", cfg.Listen.UDP, ":1812")
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].Host != "10.0.0.1" {
		t.Fatalf("unexpected clients: %+v", cfg.Clients)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Port != DefaultAuthPort {
		t.Fatalf("expected default auth port on upstream1, got %+v", cfg.Servers)
	}
}

func TestLoadAppliesTLSDefaults(t *testing.T) {
	content := minimalConfig + `
[[client]]
name = "tlsclient"
type = "TLS"
host = "10.0.0.2"

[[server_peer]]
name = "tlsupstream"
type = "TLS"
host = "10.1.0.2"
`
	path := writeTestConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	var tlsClient *ClientConfig
	for i := range cfg.Clients {
		if cfg.Clients[i].Name == "tlsclient" {
			tlsClient = &cfg.Clients[i]
		}
	}
	if tlsClient == nil {
		t.Fatal("tlsclient not found")
	}
	if tlsClient.Secret != DefaultTLSSecret {
		t.Errorf("tlsclient.Secret = %q, want default %q", tlsClient.Secret, DefaultTLSSecret)
	}

	tlsUpstream := cfg.Server("tlsupstream")
	if tlsUpstream == nil {
		t.Fatal("tlsupstream not found")
	}
	if tlsUpstream.Port != DefaultTLSPort {
		t.Errorf("tlsupstream.Port = %d, want %d", tlsUpstream.Port, DefaultTLSPort)
	}
	if tlsUpstream.Secret != DefaultTLSSecret {
		t.Errorf("tlsupstream.Secret = %q, want default %q", tlsUpstream.Secret, DefaultTLSSecret)
	}
}

func TestLoadRequiresAtLeastOneRealm(t *testing.T) {
	content := `
[[client]]
name = "nas1"
type = "UDP"
host = "10.0.0.1"
secret = "c"

[[server_peer]]
name = "upstream1"
type = "UDP"
host = "10.1.0.1"
secret = "s"
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing realm block")
	}
}

func TestLoadRejectsUnknownRealmServer(t *testing.T) {
	content := `
[[client]]
name = "nas1"
type = "UDP"
host = "10.0.0.1"
secret = "c"

[[server_peer]]
name = "upstream1"
type = "UDP"
host = "10.1.0.1"
secret = "s"

[[realm]]
pattern = "example.org"
servers = ["doesnotexist"]
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for realm referencing unknown server")
	}
}

func TestMatchRealmWrapsPlainPattern(t *testing.T) {
	path := writeTestConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	r := cfg.MatchRealm("alice@example.org")
	if r == nil {
		t.Fatal("expected realm match for alice@example.org")
	}
	if r.Pattern != "example.org" {
		t.Errorf("matched realm pattern = %q, want %q", r.Pattern, "example.org")
	}

	if cfg.MatchRealm("alice@notexample.org") != nil {
		t.Error("plain pattern should anchor at the end, not match a longer suffix")
	}
}

func TestMatchRealmWildcard(t *testing.T) {
	content := `
[[client]]
name = "nas1"
type = "UDP"
host = "10.0.0.1"
secret = "c"

[[server_peer]]
name = "upstream1"
type = "UDP"
host = "10.1.0.1"
secret = "s"

[[realm]]
pattern = "*"
servers = ["upstream1"]
reply_message = "no route"
`
	path := writeTestConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if r := cfg.MatchRealm("anyone@anywhere"); r == nil {
		t.Fatal("wildcard realm should match anything")
	}
}

func TestLoadRejectsMissingClients(t *testing.T) {
	content := `
[[server_peer]]
name = "upstream1"
type = "UDP"
host = "10.1.0.1"
secret = "s"

[[realm]]
pattern = "example.org"
servers = ["upstream1"]
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing client blocks")
	}
}

func TestLoadRejectsDanglingTLSRef(t *testing.T) {
	content := minimalConfig + `
[[client]]
name = "tlsclient"
type = "TLS"
host = "10.0.0.2"
tls = "doesnotexist"
`
	path := writeTestConfig(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for dangling tls reference")
	}
}
