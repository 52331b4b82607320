// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package data

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
)

// Formatos de backup builtin.
const (
	BuTypeNull = "null" // gerador/descarte de padrão (teste e benchmark)
	BuTypeFile = "file" // stream de um arquivo local
)

// Variáveis de ambiente reconhecidas pelos formatos.
const (
	EnvFile     = "FILE"      // path do arquivo (file)
	EnvCompress = "COMPRESS"  // "", "gzip" ou "zstd"
	EnvNullSize = "NULL_SIZE" // bytes gerados pelo null (default 1 MiB)
)

// defaultNullSize é o tamanho default do stream do formato null.
const defaultNullSize = 1 << 20

// nullPattern é o byte repetido pelo gerador null.
const nullPattern = 0xA5

// ringSize dimensiona o ring produtor/consumidor dos formatos em
// goroutine (256KB, alinhado ao burst do pipeline).
const ringSize = 256 * 1024

func envValue(env []protocol.Pair, name string) string {
	for _, p := range env {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

func nullSize(env []protocol.Pair) (uint64, error) {
	v := envValue(env, EnvNullSize)
	if v == "" {
		return defaultNullSize, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("data: invalid %s %q: %w", EnvNullSize, v, err)
	}
	return n, nil
}

// runFileBackup roda na goroutine produtora: lê o arquivo, comprime
// conforme COMPRESS e empurra os bytes para o ring.
func runFileBackup(path, compress string, ring *Ring) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("data: opening backup source: %w", err)
	}
	defer f.Close()

	var w io.Writer = ring
	var finish func() error

	switch compress {
	case "":
		finish = func() error { return nil }
	case "gzip":
		gz := pgzip.NewWriter(ring)
		w = gz
		finish = gz.Close
	case "zstd":
		zw, err := zstd.NewWriter(ring)
		if err != nil {
			return fmt.Errorf("data: creating zstd writer: %w", err)
		}
		w = zw
		finish = zw.Close
	default:
		return fmt.Errorf("data: unknown compression %q", compress)
	}

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("data: streaming %s: %w", path, err)
	}
	if err := finish(); err != nil {
		return fmt.Errorf("data: flushing compressor: %w", err)
	}
	return nil
}

// runFileRecover roda na goroutine consumidora: drena o ring,
// descomprime conforme COMPRESS e grava o arquivo de destino.
func runFileRecover(path, compress string, ring *Ring) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("data: creating recover target: %w", err)
	}
	defer f.Close()

	var r io.Reader = ring

	switch compress {
	case "":
	case "gzip":
		gz, err := pgzip.NewReader(ring)
		if err != nil {
			return fmt.Errorf("data: creating gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case "zstd":
		zr, err := zstd.NewReader(ring)
		if err != nil {
			return fmt.Errorf("data: creating zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return fmt.Errorf("data: unknown compression %q", compress)
	}

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("data: writing %s: %w", path, err)
	}
	return f.Sync()
}
