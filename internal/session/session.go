// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/config"
	"github.com/nishisan-dev/n-ndmp/internal/data"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"github.com/nishisan-dev/n-ndmp/internal/robot"
	"github.com/nishisan-dev/n-ndmp/internal/stream"
	"github.com/nishisan-dev/n-ndmp/internal/tape"
)

// Session agrega os agents de todos os papéis, o image stream e o
// scheduler cooperativo. Sessões não compartilham estado mutável entre
// si; o daemon roda uma goroutine por sessão.
type Session struct {
	log *slog.Logger
	cfg *config.DaemonConfig

	// Conexões por papel; no daemon todas são aliases da de controle.
	Control *Connection
	Data    *Connection
	Tape    *Connection
	Robot   *Connection

	IS *stream.ImageStream

	TapeAgent  *tape.Agent
	DataAgent  *data.Agent
	RobotAgent *robot.Agent

	// IP local da conexão de controle, publicado nos LISTEN TCP.
	LocalIP net.IP
}

// New monta uma sessão inicializada e comissionada sobre a conexão de
// controle dada.
func New(log *slog.Logger, cfg *config.DaemonConfig, control *Connection, localIP net.IP) *Session {
	s := &Session{
		log:     log,
		cfg:     cfg,
		Control: control,
		Data:    control,
		Tape:    control,
		Robot:   control,
		LocalIP: localIP,
	}

	s.IS = stream.New(cfg.Mover.BufferRaw)

	newDevice := func() tape.Device {
		return tape.NewSimulator(cfg.Tape.LimitRaw, cfg.Tape.LEOMMarginRaw)
	}
	s.TapeAgent = tape.NewAgent(log, s.IS, s, newDevice, cfg.Mover.ThrottleRaw)
	s.TapeAgent.AllowPath = cfg.TapePathAllowed
	s.DataAgent = data.NewAgent(log, s.IS, s)
	s.RobotAgent = robot.NewAgent(log)

	return s
}

// Decommission libera todos os recursos da sessão.
func (s *Session) Decommission() {
	s.DataAgent.Decommission()
	s.TapeAgent.Decommission()
	s.IS.Decommission()
	if s.Control != nil {
		s.Control.Close()
	}
}

// Notificações (tape.Notifier / data.Notifier) ---------------------------

// MoverHalted implementa tape.Notifier.
func (s *Session) MoverHalted(reason protocol.MoverHaltReason) {
	s.log.Info("mover halted", "reason", reason)
	s.Control.SendRequest(protocol.MsgNotifyMoverHalted, &protocol.NotifyMoverHaltedRequest{Reason: reason})
}

// MoverPaused implementa tape.Notifier.
func (s *Session) MoverPaused(reason protocol.MoverPauseReason, seekPosition uint64) {
	s.log.Info("mover paused", "reason", reason, "seek_position", seekPosition)
	s.Control.SendRequest(protocol.MsgNotifyMoverPaused, &protocol.NotifyMoverPausedRequest{
		Reason:       reason,
		SeekPosition: seekPosition,
	})
}

// DataHalted implementa data.Notifier.
func (s *Session) DataHalted(reason protocol.DataHaltReason) {
	s.log.Info("data halted", "reason", reason)
	s.Control.SendRequest(protocol.MsgNotifyDataHalted, &protocol.NotifyDataHaltedRequest{Reason: reason})
}

// Log implementa data.Notifier: espelha a mensagem para o peer.
func (s *Session) Log(t protocol.LogType, msg string) {
	s.Control.SendRequest(protocol.MsgLogMessage, &protocol.LogMessageRequest{LogType: t, Entry: msg})
}

// Scheduler --------------------------------------------------------------

// connections devolve o conjunto de conexões distintas da sessão.
func (s *Session) connections() []*Connection {
	out := make([]*Connection, 0, 4)
	seen := func(c *Connection) bool {
		for _, o := range out {
			if o == c {
				return true
			}
		}
		return false
	}
	for _, c := range []*Connection{s.Control, s.Data, s.Tape, s.Robot} {
		if c != nil && !seen(c) {
			out = append(out, c)
		}
	}
	return out
}

// distribute dá fatias de trabalho aos agents ativos até ninguém
// progredir mais.
func (s *Session) distribute() bool {
	total := false
	for {
		did := false

		if s.IS.Quantum() {
			did = true
		}
		if s.TapeAgent.Mover.State != protocol.MoverIdle {
			if s.TapeAgent.Quantum() {
				did = true
			}
		}
		if s.DataAgent.State != protocol.DataIdle {
			if s.DataAgent.Quantum() {
				did = true
			}
		}

		if !did {
			return total
		}
		total = true
	}
}

// Quantum executa uma rodada do loop cooperativo: fatias dos agents,
// espera central nos canais, mais fatias para digerir o que chegou e o
// dispatch das conexões prontas.
func (s *Session) Quantum(maxDelay time.Duration) {
	conns := s.connections()

	chans := make([]*channel.Channel, 0, 8)
	for _, c := range conns {
		chans = append(chans, c.Channel())
	}
	chans = append(chans, s.IS.Channels()...)

	// Encher os buffers antes de bloquear; trabalho feito zera o delay
	if s.distribute() {
		maxDelay = 0
	}

	channel.Quantum(chans, maxDelay)

	s.distribute()

	for _, c := range conns {
		if c.Channel().Ready {
			c.Channel().Ready = false
			s.dispatchConn(c)
		}
	}
}

// Run roda a sessão de servidor até o peer de controle encerrar.
func (s *Session) Run() {
	// O servidor abre o diálogo anunciando a versão máxima suportada
	s.Control.SendRequest(protocol.MsgNotifyConnected, &protocol.NotifyConnectedRequest{
		Reason:  protocol.ConnectedConnected,
		Version: uint16(s.cfg.Agent.MaxVersion),
		Text:    "n-ndmp ready",
	})

	for !s.Control.EOF() {
		s.Quantum(time.Second)
	}

	s.log.Info("control connection closed")
	s.Decommission()
}
