// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/config"
	"github.com/nishisan-dev/n-ndmp/internal/logging"
	"golang.org/x/sys/unix"
)

// Exit codes do daemon, um por etapa de setup do listener.
const (
	ExitOK     = 0
	ExitSocket = 1
	ExitBind   = 2
	ExitListen = 3
	ExitAccept = 4
	ExitSpawn  = 5
)

// Daemon é o processo de escuta: uma sessão isolada por conexão aceita.
type Daemon struct {
	log *slog.Logger
	cfg *config.DaemonConfig

	// Métricas observadas pelo stats reporter
	ActiveSessions atomic.Int32
	TotalSessions  atomic.Int64

	TestMode bool
}

// NewDaemon cria o daemon com a configuração dada.
func NewDaemon(log *slog.Logger, cfg *config.DaemonConfig) *Daemon {
	return &Daemon{log: log, cfg: cfg}
}

// parseListen separa host/porta do endereço de escuta configurado.
func parseListen(listen string) ([4]byte, int, error) {
	var ip [4]byte

	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return ip, 0, fmt.Errorf("daemon: invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ip, 0, fmt.Errorf("daemon: invalid listen port %q", portStr)
	}
	if host != "" && host != "0.0.0.0" {
		parsed := net.ParseIP(host)
		if parsed == nil || parsed.To4() == nil {
			return ip, 0, fmt.Errorf("daemon: invalid listen host %q", host)
		}
		copy(ip[:], parsed.To4())
	}
	return ip, port, nil
}

// Serve monta o socket de escuta e roda o accept loop até o processo
// encerrar. O retorno é o exit code do processo.
func (d *Daemon) Serve() int {
	ip, port, err := parseListen(d.cfg.Agent.Listen)
	if err != nil {
		d.log.Error("parsing listen address", "error", err)
		return ExitSocket
	}

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		d.log.Error("creating listen socket", "error", err)
		return ExitSocket
	}
	_ = unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(lfd, sa); err != nil {
		d.log.Error("binding listen socket", "error", err, "listen", d.cfg.Agent.Listen)
		return ExitBind
	}
	if err := unix.Listen(lfd, 1); err != nil {
		d.log.Error("listening", "error", err)
		return ExitListen
	}

	d.log.Info("daemon listening", "address", d.cfg.Agent.Listen)

	if d.TestMode {
		// O listener está de pé: avisa o invocador e encerra quando o
		// stdin dele sumir.
		fmt.Println("READY")
		go func() {
			buf := make([]byte, 32)
			for {
				if n, err := os.Stdin.Read(buf); n <= 0 || err != nil {
					fmt.Println("DONE")
					os.Exit(ExitOK)
				}
			}
		}()
	}

	for {
		cfd, peer, err := unix.Accept(lfd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Error("accepting connection", "error", err)
			return ExitAccept
		}

		if err := d.spawnSession(cfd, peer); err != nil {
			d.log.Error("spawning session", "error", err)
			unix.Close(cfd)
			return ExitSpawn
		}
	}
}

// spawnSession isola a conexão aceita em uma sessão própria (uma
// goroutine por sessão; sessões não compartilham estado mutável).
func (d *Daemon) spawnSession(cfd int, peer unix.Sockaddr) error {
	local, err := unix.Getsockname(cfd)
	if err != nil {
		return fmt.Errorf("daemon: getsockname: %w", err)
	}
	localIP := sockaddrIP(local)
	peerIP := sockaddrIP(peer)

	ch, err := channel.NewFromFd("control", cfd, channel.DefaultBufferSize)
	if err != nil {
		return err
	}

	id := d.TotalSessions.Add(1)
	sessName := fmt.Sprintf("session-%d", id)

	base, logCloser, _, err := logging.NewSessionLogger(d.log, d.cfg.Logging.SessionDir, peerIP.String(), sessName)
	if err != nil {
		d.log.Warn("session log disabled", "error", err)
		base = d.log
		logCloser = io.NopCloser(strings.NewReader(""))
	}
	logger := base.With("session_id", id, "peer", peerIP.String())
	logger.Info("connection accepted", "local", localIP.String())

	conn := NewConnection(logger, ch)
	sess := New(logger, d.cfg, conn, localIP)

	d.ActiveSessions.Add(1)
	go func() {
		defer d.ActiveSessions.Add(-1)
		defer logCloser.Close()
		sess.Run()
		logger.Info("session finished")
	}()
	return nil
}

func sockaddrIP(sa unix.Sockaddr) net.IP {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
	}
	return net.IPv4(127, 0, 0, 1)
}
