// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDaemonConfig_Full(t *testing.T) {
	path := writeConfig(t, `
agent:
  listen: "127.0.0.1:10500"
  max_version: 3
auth:
  mode: md5
  users:
    ndmp: secret
tape:
  limit: "1gb"
  leom_margin: "128kb"
  allow: ["/var/tapes"]
robot:
  dir: "/var/robot"
mover:
  buffer: "128kb"
  throttle: "10mb"
logging:
  level: debug
  format: text
janitor:
  enabled: true
  schedule: "@every 5m"
  lock_ttl: "30m"
archive:
  enabled: true
  bucket: backups
  region: sa-east-1
`)

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Listen != "127.0.0.1:10500" || cfg.Agent.MaxVersion != 3 {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if cfg.Auth.Mode != "md5" || cfg.Auth.Users["ndmp"] != "secret" {
		t.Fatalf("auth = %+v", cfg.Auth)
	}
	if cfg.Tape.LimitRaw != 1<<30 {
		t.Fatalf("tape.limit = %d", cfg.Tape.LimitRaw)
	}
	if cfg.Tape.LEOMMarginRaw != 128*1024 {
		t.Fatalf("tape.leom_margin = %d", cfg.Tape.LEOMMarginRaw)
	}
	if cfg.Mover.BufferRaw != 128*1024 || cfg.Mover.ThrottleRaw != 10<<20 {
		t.Fatalf("mover = %+v", cfg.Mover)
	}
	if cfg.Janitor.Schedule != "@every 5m" {
		t.Fatalf("janitor = %+v", cfg.Janitor)
	}
	// Janitor herda os diretórios do tape.allow quando não configurado
	if len(cfg.Janitor.Dirs) != 1 || cfg.Janitor.Dirs[0] != "/var/tapes" {
		t.Fatalf("janitor.dirs = %v", cfg.Janitor.Dirs)
	}
	if cfg.Archive.Prefix != "volumes" {
		t.Fatalf("archive.prefix default = %q", cfg.Archive.Prefix)
	}
}

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "agent:\n  listen: \"0.0.0.0:10000\"\n")
	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxVersion != 4 {
		t.Fatalf("max_version default = %d", cfg.Agent.MaxVersion)
	}
	if cfg.Auth.Mode != "none" {
		t.Fatalf("auth default = %q", cfg.Auth.Mode)
	}
	if cfg.Tape.LimitRaw != 0 {
		t.Fatal("tape limit should default to unlimited")
	}
	if cfg.Tape.LEOMMarginRaw != 64*1024 {
		t.Fatalf("leom margin default = %d", cfg.Tape.LEOMMarginRaw)
	}
	if cfg.Mover.BufferRaw != 64*1024 {
		t.Fatalf("mover buffer default = %d", cfg.Mover.BufferRaw)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadDaemonConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad version", "agent:\n  max_version: 9\n"},
		{"bad auth mode", "auth:\n  mode: kerberos\n"},
		{"auth without users", "auth:\n  mode: text\n"},
		{"bad tape limit", "tape:\n  limit: \"muito\"\n"},
		{"margin over limit", "tape:\n  limit: \"64kb\"\n  leom_margin: \"128kb\"\n"},
		{"tiny mover buffer", "mover:\n  buffer: \"1kb\"\n"},
		{"archive without bucket", "archive:\n  enabled: true\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadDaemonConfig(writeConfig(t, c.yaml)); err == nil {
				t.Fatalf("config aceita: %s", c.yaml)
			}
		})
	}
}

func TestTapePathAllowed(t *testing.T) {
	cfg := Default()
	if !cfg.TapePathAllowed("/qualquer/coisa") {
		t.Fatal("empty allow list must allow everything")
	}

	cfg.Tape.Allow = []string{"/var/tapes"}
	if !cfg.TapePathAllowed("/var/tapes/t0.sim") {
		t.Fatal("allowed prefix rejected")
	}
	if cfg.TapePathAllowed("/etc/passwd") {
		t.Fatal("path outside allow list accepted")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"0", 0, false},
		{"512", 512, false},
		{"64kb", 64 * 1024, false},
		{"256MB", 256 << 20, false},
		{"1gb", 1 << 30, false},
		{"10b", 10, false},
		{" 2kb ", 2048, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1kb", 0, true},
		{"12xb", 0, true},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if c.err {
			if err == nil {
				t.Errorf("ParseByteSize(%q) aceitou", c.in)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
	}
}
