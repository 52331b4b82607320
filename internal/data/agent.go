// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package data implementa o DATA agent: produtor (backup) ou consumidor
// (recover) do image stream, com os formatos builtin null e file.
package data

import (
	"log/slog"
	"net"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"github.com/nishisan-dev/n-ndmp/internal/stream"
)

// Notifier entrega as notificações do data agent ao peer de controle.
type Notifier interface {
	DataHalted(reason protocol.DataHaltReason)
	Log(t protocol.LogType, msg string)
}

// chunkSize é a granularidade das cópias entre ring e image stream.
const chunkSize = 32 * 1024

// Agent é o DATA agent da sessão.
type Agent struct {
	log    *slog.Logger
	is     *stream.ImageStream
	notify Notifier

	State      protocol.DataState
	Operation  protocol.DataOperation
	HaltReason protocol.DataHaltReason

	BytesProcessed uint64

	env    []protocol.Pair
	nlist  []protocol.Name
	buType string

	// Ponte com a goroutine do formato file (nil para null)
	ring *Ring
	done chan error

	producerDone bool
	producerErr  error

	nullRemaining uint64
	finishing     bool

	notifyPending bool

	pattern [chunkSize]byte
	staging [chunkSize]byte
}

// NewAgent cria o DATA agent da sessão.
func NewAgent(log *slog.Logger, is *stream.ImageStream, notify Notifier) *Agent {
	a := &Agent{
		log:    log.With("component", "data_agent"),
		is:     is,
		notify: notify,
	}
	for i := range a.pattern {
		a.pattern[i] = nullPattern
	}
	a.Commission()
	return a
}

// Commission zera o agent para o estado de prontidão.
func (a *Agent) Commission() {
	a.State = protocol.DataIdle
	a.Operation = protocol.DataOpNoAction
	a.HaltReason = protocol.DataHaltNA
	a.BytesProcessed = 0
	a.env = nil
	a.nlist = nil
	a.buType = ""
	a.ring = nil
	a.done = nil
	a.producerDone = false
	a.producerErr = nil
	a.nullRemaining = 0
	a.finishing = false
	a.notifyPending = false
}

// Decommission libera o agent e o endpoint do stream.
func (a *Agent) Decommission() {
	if a.ring != nil {
		a.ring.Close(nil)
	}
	a.is.CloseEndpoint(stream.DataEP)
	a.Commission()
}

// DATA_* ----------------------------------------------------------------

// DataListen põe o data agent em escuta para o image stream.
func (a *Agent) DataListen(addrType protocol.AddrType, localIP net.IP) (protocol.Addr, protocol.Error) {
	if a.State != protocol.DataIdle {
		return protocol.Addr{}, protocol.IllegalStateErr
	}
	addr, err := a.is.Listen(stream.DataEP, addrType, localIP)
	if err != nil {
		a.log.Error("data listen failed", "error", err)
		return protocol.Addr{}, protocol.IllegalStateErr
	}
	a.State = protocol.DataListenSt
	return addr, protocol.NoErr
}

// DataConnect conecta o data agent a um mover em escuta.
func (a *Agent) DataConnect(addr protocol.Addr) protocol.Error {
	if a.State != protocol.DataIdle {
		return protocol.IllegalStateErr
	}
	if err := a.is.Connect(stream.DataEP, addr); err != nil {
		a.log.Error("data connect failed", "error", err)
		if err == stream.ErrNotListening || err == stream.ErrAlreadyActive {
			return protocol.IllegalStateErr
		}
		return protocol.IOErr
	}
	a.State = protocol.DataConnected
	return protocol.NoErr
}

// ensureConnected resolve o addr do START_*: AS_CONNECTED exige conexão
// prévia; LOCAL/TCP conectam na hora (forma v2).
func (a *Agent) ensureConnected(addr protocol.Addr) protocol.Error {
	switch a.State {
	case protocol.DataConnected:
		return protocol.NoErr
	case protocol.DataIdle:
		if addr.Type == protocol.AddrAsConnected {
			return protocol.IllegalStateErr
		}
		return a.DataConnect(addr)
	}
	return protocol.IllegalStateErr
}

// DataStartBackup inicia um backup do formato pedido.
func (a *Agent) DataStartBackup(req *protocol.DataStartBackupRequest) protocol.Error {
	if err := a.ensureConnected(req.Addr); err != protocol.NoErr {
		return err
	}

	compress := envValue(req.Env, EnvCompress)
	switch req.BuType {
	case BuTypeNull:
		size, err := nullSize(req.Env)
		if err != nil {
			a.log.Error("start backup", "error", err)
			return protocol.IllegalArgsErr
		}
		a.nullRemaining = size

	case BuTypeFile:
		path := envValue(req.Env, EnvFile)
		if path == "" {
			return protocol.IllegalArgsErr
		}
		a.ring = NewRing(ringSize)
		a.done = make(chan error, 1)
		ring := a.ring
		done := a.done
		go func() {
			err := runFileBackup(path, compress, ring)
			ring.Close(err)
			done <- err
		}()

	default:
		return protocol.NotSupportedErr
	}

	a.buType = req.BuType
	a.env = req.Env
	a.Operation = protocol.DataOpBackup
	a.is.SetChanMode(channel.ModeWrite)
	a.State = protocol.DataActive
	a.log.Info("backup started", "bu_type", req.BuType)
	return protocol.NoErr
}

// DataStartRecover inicia um recover da nlist.
func (a *Agent) DataStartRecover(req *protocol.DataStartRecoverRequest, filehist bool) protocol.Error {
	if err := a.ensureConnected(req.Addr); err != protocol.NoErr {
		return err
	}

	compress := envValue(req.Env, EnvCompress)
	switch req.BuType {
	case BuTypeNull:
		// consome e descarta

	case BuTypeFile:
		path := envValue(req.Env, EnvFile)
		if path == "" && len(req.Nlist) > 0 {
			path = req.Nlist[0].DestinationPath
		}
		if path == "" {
			return protocol.IllegalArgsErr
		}
		a.ring = NewRing(ringSize)
		a.done = make(chan error, 1)
		ring := a.ring
		done := a.done
		go func() {
			done <- runFileRecover(path, compress, ring)
		}()

	default:
		return protocol.NotSupportedErr
	}

	a.buType = req.BuType
	a.env = req.Env
	a.nlist = req.Nlist
	if filehist {
		a.Operation = protocol.DataOpRecoverFilehist
	} else {
		a.Operation = protocol.DataOpRecover
	}
	a.is.SetChanMode(channel.ModeRead)
	a.State = protocol.DataActive
	a.log.Info("recover started", "bu_type", req.BuType, "nlist", len(req.Nlist))
	return protocol.NoErr
}

// DataAbort aborta a operação corrente.
func (a *Agent) DataAbort() protocol.Error {
	switch a.State {
	case protocol.DataListenSt, protocol.DataConnected, protocol.DataActive:
		a.halt(protocol.DataHaltAborted)
		return protocol.NoErr
	}
	return protocol.IllegalStateErr
}

// DataStop devolve o agent a IDLE; só é legal a partir de HALTED.
func (a *Agent) DataStop() protocol.Error {
	if a.State != protocol.DataHalted {
		return protocol.IllegalStateErr
	}
	a.Commission()
	return protocol.NoErr
}

// DataGetEnv devolve o ambiente da operação corrente (ou da última).
func (a *Agent) DataGetEnv() protocol.DataGetEnvReply {
	if a.Operation == protocol.DataOpNoAction {
		return protocol.DataGetEnvReply{Error: protocol.IllegalStateErr}
	}
	return protocol.DataGetEnvReply{Error: protocol.NoErr, Env: a.env}
}

// DataGetState publica o snapshot do data agent.
func (a *Agent) DataGetState() protocol.DataGetStateReply {
	return protocol.DataGetStateReply{
		Error:          protocol.NoErr,
		Operation:      a.Operation,
		State:          a.State,
		HaltReason:     a.HaltReason,
		BytesProcessed: a.BytesProcessed,
		Addr:           a.is.Addr(),
	}
}

// FSM interna -----------------------------------------------------------

func (a *Agent) halt(reason protocol.DataHaltReason) {
	a.State = protocol.DataHalted
	a.HaltReason = reason
	a.notifyPending = true

	if a.ring != nil {
		a.ring.Close(nil)
	}
	// No loopback LOCAL o EOF é produzido localmente para o mover
	// drenar e encerrar do lado dele.
	if ch := a.is.Chan; ch != nil && ch.Fd() < 0 && a.Operation == protocol.DataOpBackup {
		ch.SetEOF()
	}
	a.is.CloseEndpoint(stream.DataEP)
}

func (a *Agent) sendNotice() {
	if !a.notifyPending {
		return
	}
	a.notifyPending = false
	if a.State == protocol.DataHalted {
		a.notify.DataHalted(a.HaltReason)
	}
}

// pollProducer colhe o resultado da goroutine do formato, sem bloquear.
func (a *Agent) pollProducer() {
	if a.done == nil || a.producerDone {
		return
	}
	select {
	case err := <-a.done:
		a.producerDone = true
		a.producerErr = err
	default:
	}
}

// Quantum dá ao data agent uma fatia não-bloqueante de trabalho.
func (a *Agent) Quantum() bool {
	did := false

	switch a.State {
	case protocol.DataListenSt:
		switch a.is.Data.Status {
		case stream.StatusListen:
		case stream.StatusAccepted, stream.StatusConnected:
			a.State = protocol.DataConnected
			did = true
		default:
			a.halt(protocol.DataHaltConnectError)
			did = true
		}

	case protocol.DataActive:
		switch a.Operation {
		case protocol.DataOpBackup:
			did = a.backupQuantum()
		case protocol.DataOpRecover, protocol.DataOpRecoverFilehist:
			did = a.recoverQuantum()
		}
	}

	a.sendNotice()
	return did
}

// backupQuantum empurra bytes do formato para o image stream.
func (a *Agent) backupQuantum() bool {
	ch := a.is.Chan
	if ch == nil {
		return false
	}
	did := false

	if a.finishing {
		return a.finishBackup(ch)
	}

	if a.ring != nil {
		a.pollProducer()
		for {
			want := ch.NAvail()
			if want == 0 {
				return did
			}
			if want > chunkSize {
				want = chunkSize
			}
			n, done := a.ring.TryRead(a.staging[:want])
			if n > 0 {
				ch.Append(a.staging[:n])
				a.BytesProcessed += uint64(n)
				did = true
				continue
			}
			if done {
				if a.producerDone && a.producerErr != nil {
					a.log.Error("backup producer failed", "error", a.producerErr)
					a.notify.Log(protocol.LogError, a.producerErr.Error())
					a.halt(protocol.DataHaltInternalError)
					return true
				}
				a.finishing = true
				return a.finishBackup(ch)
			}
			return did
		}
	}

	// Formato null: gera o padrão direto no loop cooperativo
	for a.nullRemaining > 0 {
		n := ch.NAvail()
		if n == 0 {
			return did
		}
		if n > chunkSize {
			n = chunkSize
		}
		if uint64(n) > a.nullRemaining {
			n = int64(a.nullRemaining)
		}
		ch.Append(a.pattern[:n])
		a.nullRemaining -= uint64(n)
		a.BytesProcessed += uint64(n)
		did = true
	}
	a.finishing = true
	if a.finishBackup(ch) {
		did = true
	}
	return did
}

// finishBackup encerra o stream depois que tudo foi produzido: no LOCAL
// basta o EOF lógico; no TCP espera o ring do socket drenar e fecha.
func (a *Agent) finishBackup(ch *channel.Channel) bool {
	if ch.Fd() < 0 {
		a.halt(protocol.DataHaltSuccessful)
		return true
	}
	if ch.NReady() > 0 {
		return false // ainda drenando para o socket
	}
	a.halt(protocol.DataHaltSuccessful)
	return true
}

// recoverQuantum drena o image stream para o formato.
func (a *Agent) recoverQuantum() bool {
	ch := a.is.Chan
	if ch == nil {
		return false
	}
	did := false

	a.pollProducer()
	if a.producerDone && a.producerErr != nil {
		a.log.Error("recover consumer failed", "error", a.producerErr)
		a.notify.Log(protocol.LogError, a.producerErr.Error())
		a.halt(protocol.DataHaltInternalError)
		return true
	}

	for {
		want := ch.NReady()
		if want == 0 {
			break
		}
		if want > chunkSize {
			want = chunkSize
		}
		n := ch.Peek(a.staging[:want])
		if a.ring != nil {
			m, open := a.ring.TryWrite(a.staging[:n])
			if !open {
				a.halt(protocol.DataHaltInternalError)
				return true
			}
			if m == 0 {
				break // ring cheio: backpressure do consumidor
			}
			ch.Consume(int64(m))
			a.BytesProcessed += uint64(m)
		} else {
			ch.Consume(int64(n))
			a.BytesProcessed += uint64(n)
		}
		did = true
	}

	if ch.EOF() && ch.NReady() == 0 {
		if a.ring != nil {
			a.ring.Close(nil)
			if !a.producerDone {
				return did // aguarda a goroutine terminar de gravar
			}
			if a.producerErr != nil {
				a.halt(protocol.DataHaltInternalError)
				return true
			}
		}
		if a.Operation == protocol.DataOpRecoverFilehist {
			for _, n := range a.nlist {
				a.notify.Log(protocol.LogNormal, "recovered "+n.OriginalPath)
			}
		}
		if ch.Err() != nil {
			a.halt(protocol.DataHaltConnectError)
		} else {
			a.halt(protocol.DataHaltSuccessful)
		}
		return true
	}

	return did
}
