// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do daemon NDMP.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DaemonConfig representa a configuração completa do nndmp-agent.
type DaemonConfig struct {
	Agent   AgentListen   `yaml:"agent"`
	Auth    AuthConfig    `yaml:"auth"`
	Tape    TapeConfig    `yaml:"tape"`
	Robot   RobotConfig   `yaml:"robot"`
	Mover   MoverConfig   `yaml:"mover"`
	Logging LoggingInfo   `yaml:"logging"`
	Janitor JanitorConfig `yaml:"janitor"`
	Archive ArchiveConfig `yaml:"archive"`
}

// AgentListen contém o endereço de escuta e as versões de protocolo aceitas.
type AgentListen struct {
	Listen     string `yaml:"listen"`      // default: "0.0.0.0:10000"
	MaxVersion int    `yaml:"max_version"` // default: 4 (aceita v2..max_version)
}

// AuthConfig define o modo de autenticação das conexões de controle.
// Modos: "none" (default), "text" e "md5" (challenge-response).
// Users mapeia nome → password; usado por text e md5.
type AuthConfig struct {
	Mode  string            `yaml:"mode"`
	Users map[string]string `yaml:"users"`
}

// TapeConfig configura o simulador de fita.
type TapeConfig struct {
	// Limit define o EOM físico em bytes. "0" ou vazio = sem limite.
	// Aceita sufixos: kb, mb, gb.
	Limit    string `yaml:"limit"`
	LimitRaw int64  `yaml:"-"`

	// LEOMMargin define a margem do aviso de LEOM antes do limite físico.
	// Default: "64kb" (duas gravações de 32 KiB). Filemarks nunca disparam LEOM.
	LEOMMargin    string `yaml:"leom_margin"`
	LEOMMarginRaw int64  `yaml:"-"`

	// Allow restringe TAPE_OPEN a paths com estes prefixos.
	// Vazio = qualquer path (modo de teste).
	Allow []string `yaml:"allow"`
}

// RobotConfig configura o simulador de robot (SCSI media changer).
type RobotConfig struct {
	// Dir é o diretório de estado do robot. Vazio = robot desabilitado.
	Dir string `yaml:"dir"`
}

// MoverConfig configura o data pump do mover.
type MoverConfig struct {
	// Buffer é o tamanho do ring do image stream. Default: "64kb";
	// nunca menor que um record completo.
	Buffer    string `yaml:"buffer"`
	BufferRaw int64  `yaml:"-"`

	// Throttle limita a taxa do pump em bytes/segundo. "0" = sem limite.
	Throttle    string `yaml:"throttle"`
	ThrottleRaw int64  `yaml:"-"`
}

// LoggingInfo configura o logger do daemon.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
	File   string `yaml:"file"`   // opcional: stderr + arquivo

	// SessionDir habilita um arquivo de log dedicado por sessão em
	// {session_dir}/{peer}/{session}.log. Vazio = desabilitado.
	SessionDir string `yaml:"session_dir"`
}

// JanitorConfig configura a manutenção periódica (lockfiles órfãos + archive).
type JanitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron spec, default: "@every 15m"
	LockTTL  string `yaml:"lock_ttl"` // default: "1h"
	Dirs     []string `yaml:"dirs"`   // diretórios varridos por *.lck órfãos
}

// ArchiveConfig configura o upload de volumes fechados para S3.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"` // default: "volumes"
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // opcional: S3 compatível (MinIO etc)
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoadDaemonConfig lê e valida o arquivo YAML de configuração do daemon.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating daemon config: %w", err)
	}

	return &cfg, nil
}

// Default retorna uma configuração utilizável sem arquivo (modo -T e testes).
func Default() *DaemonConfig {
	cfg := &DaemonConfig{}
	// Validate preenche todos os defaults
	_ = cfg.Validate()
	return cfg
}

// Validate aplica defaults e valida os campos da configuração.
func (c *DaemonConfig) Validate() error {
	if c.Agent.Listen == "" {
		c.Agent.Listen = "0.0.0.0:10000"
	}
	if c.Agent.MaxVersion == 0 {
		c.Agent.MaxVersion = 4
	}
	if c.Agent.MaxVersion < 2 || c.Agent.MaxVersion > 4 {
		return fmt.Errorf("agent.max_version must be between 2 and 4, got %d", c.Agent.MaxVersion)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	switch c.Auth.Mode {
	case "none", "text", "md5":
	default:
		return fmt.Errorf("auth.mode must be none, text or md5, got %q", c.Auth.Mode)
	}
	if c.Auth.Mode != "none" && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.users must have at least one entry when auth.mode is %s", c.Auth.Mode)
	}

	// Tape limit: 0 = ilimitado
	if c.Tape.Limit == "" || c.Tape.Limit == "0" {
		c.Tape.LimitRaw = 0
	} else {
		parsed, err := ParseByteSize(c.Tape.Limit)
		if err != nil {
			return fmt.Errorf("tape.limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("tape.limit must be > 0 or \"0\" to disable, got %s", c.Tape.Limit)
		}
		c.Tape.LimitRaw = parsed
	}

	if c.Tape.LEOMMargin == "" {
		c.Tape.LEOMMargin = "64kb"
	}
	margin, err := ParseByteSize(c.Tape.LEOMMargin)
	if err != nil {
		return fmt.Errorf("tape.leom_margin: %w", err)
	}
	if margin <= 0 {
		return fmt.Errorf("tape.leom_margin must be > 0, got %s", c.Tape.LEOMMargin)
	}
	c.Tape.LEOMMarginRaw = margin
	if c.Tape.LimitRaw > 0 && c.Tape.LEOMMarginRaw >= c.Tape.LimitRaw {
		return fmt.Errorf("tape.leom_margin (%s) must be smaller than tape.limit (%s)",
			c.Tape.LEOMMargin, c.Tape.Limit)
	}

	// Mover buffer: default 64kb
	if c.Mover.Buffer == "" {
		c.Mover.Buffer = "64kb"
	}
	buf, err := ParseByteSize(c.Mover.Buffer)
	if err != nil {
		return fmt.Errorf("mover.buffer: %w", err)
	}
	if buf < 4*1024 {
		return fmt.Errorf("mover.buffer must be at least 4kb, got %s", c.Mover.Buffer)
	}
	c.Mover.BufferRaw = buf

	if c.Mover.Throttle == "" || c.Mover.Throttle == "0" {
		c.Mover.ThrottleRaw = 0
	} else {
		thr, err := ParseByteSize(c.Mover.Throttle)
		if err != nil {
			return fmt.Errorf("mover.throttle: %w", err)
		}
		c.Mover.ThrottleRaw = thr
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Janitor.Enabled {
		if c.Janitor.Schedule == "" {
			c.Janitor.Schedule = "@every 15m"
		}
		if c.Janitor.LockTTL == "" {
			c.Janitor.LockTTL = "1h"
		}
		if len(c.Janitor.Dirs) == 0 {
			c.Janitor.Dirs = c.Tape.Allow
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Prefix == "" {
			c.Archive.Prefix = "volumes"
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
	}

	return nil
}

// TapePathAllowed verifica se o path do device está dentro dos prefixos
// permitidos por tape.allow. Lista vazia libera qualquer path.
func (c *DaemonConfig) TapePathAllowed(path string) bool {
	if len(c.Tape.Allow) == 0 {
		return true
	}
	for _, prefix := range c.Tape.Allow {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
