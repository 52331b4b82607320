// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/archive"
	"github.com/nishisan-dev/n-ndmp/internal/config"
	"github.com/robfig/cron/v3"
)

// Janitor faz a manutenção periódica dos diretórios de fita: remove
// lockfiles órfãos (sessões mortas sem TAPE_CLOSE deixam o .lck para
// trás) e dispara o archive de volumes fechados.
type Janitor struct {
	logger   *slog.Logger
	cfg      config.JanitorConfig
	lockTTL  time.Duration
	uploader *archive.Uploader
	cron     *cron.Cron
}

// NewJanitor monta o janitor com o cron schedule da configuração.
// uploader pode ser nil (archive desabilitado).
func NewJanitor(cfg config.JanitorConfig, uploader *archive.Uploader, logger *slog.Logger) (*Janitor, error) {
	ttl, err := time.ParseDuration(cfg.LockTTL)
	if err != nil {
		return nil, err
	}

	j := &Janitor{
		logger:   logger.With("component", "janitor"),
		cfg:      cfg,
		lockTTL:  ttl,
		uploader: uploader,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, j.Sweep); err != nil {
		return nil, err
	}
	j.cron = c
	return j, nil
}

// Start inicia o scheduler do janitor.
func (j *Janitor) Start() {
	j.logger.Info("janitor started", "schedule", j.cfg.Schedule, "dirs", j.cfg.Dirs)
	j.cron.Start()
}

// Stop para o scheduler e aguarda um sweep em andamento.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep varre os diretórios configurados uma vez.
func (j *Janitor) Sweep() {
	for _, dir := range j.cfg.Dirs {
		j.sweepDir(dir)
	}
}

func (j *Janitor) sweepDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		j.logger.Warn("janitor cannot read dir", "dir", dir, "error", err)
		return
	}

	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		if strings.HasSuffix(name, ".lck") {
			j.reapLock(path, now)
			continue
		}

		// Volumes fechados graciosamente têm o symlink .pos ao lado
		if j.uploader != nil && !strings.HasSuffix(name, ".pos") && !strings.HasSuffix(name, ".archived") {
			if _, err := os.Lstat(path + ".pos"); err == nil {
				j.archiveVolume(path)
			}
		}
	}
}

// reapLock remove lockfiles mais velhos que o TTL.
func (j *Janitor) reapLock(path string, now time.Time) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if now.Sub(fi.ModTime()) < j.lockTTL {
		return
	}
	if err := os.Remove(path); err != nil {
		j.logger.Warn("janitor cannot remove stale lockfile", "path", path, "error", err)
		return
	}
	j.logger.Info("stale lockfile removed", "path", path, "age", now.Sub(fi.ModTime()))
}

// archiveVolume sobe o volume se ele mudou desde o último upload.
// O marcador <vol>.archived registra o mtime arquivado.
func (j *Janitor) archiveVolume(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	marker := path + ".archived"
	if mi, err := os.Stat(marker); err == nil && !fi.ModTime().After(mi.ModTime()) {
		return // já arquivado nesta versão
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := j.uploader.UploadVolume(ctx, path); err != nil {
		j.logger.Error("janitor archive failed", "volume", path, "error", err)
		return
	}

	if f, err := os.Create(marker); err == nil {
		f.Close()
		os.Chtimes(marker, fi.ModTime(), fi.ModTime())
	}
}
