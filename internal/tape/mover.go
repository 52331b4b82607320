// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"net"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"github.com/nishisan-dev/n-ndmp/internal/stream"
)

// Verbos internos do FSM ------------------------------------------------

func (a *Agent) moverHalt(reason protocol.MoverHaltReason) {
	a.Mover.State = protocol.MoverHalted
	a.Mover.HaltReason = reason
	a.Mover.PauseReason = protocol.MoverPauseNA
	a.pending = false
	a.notifyPending = true

	a.is.CloseEndpoint(stream.TapeEP)
}

func (a *Agent) moverPause(reason protocol.MoverPauseReason) {
	a.Mover.State = protocol.MoverPaused
	a.Mover.HaltReason = protocol.MoverHaltNA
	a.Mover.PauseReason = reason
	if reason == protocol.MoverPauseSeek {
		a.Mover.SeekPosition = a.wantPos
	}
	a.pending = false
	a.notifyPending = true
}

// moverPending difere a transição para quando o ring do image stream
// drenar, para não perder o último pedaço sub-record de uma pausa.
func (a *Agent) moverPending(state protocol.MoverState, halt protocol.MoverHaltReason, pause protocol.MoverPauseReason) {
	a.pendingState = state
	a.pendingHalt = halt
	a.pendingPause = pause
	a.pending = true
}

func (a *Agent) applyPending() {
	if a.pendingState == protocol.MoverHalted {
		a.moverHalt(a.pendingHalt)
		return
	}
	a.moverPause(a.pendingPause)
}

func (a *Agent) haltPending(reason protocol.MoverHaltReason) {
	a.moverPending(protocol.MoverHalted, reason, protocol.MoverPauseNA)
}

func (a *Agent) pausePending(reason protocol.MoverPauseReason) {
	a.moverPending(protocol.MoverPaused, protocol.MoverHaltNA, reason)
}

func (a *Agent) moverActive() {
	a.Mover.State = protocol.MoverActive
	a.Mover.HaltReason = protocol.MoverHaltNA
	a.Mover.PauseReason = protocol.MoverPauseNA

	// Nunca confia no buffer de record depois de (re)ativar
	a.tbBlockno = -1
}

// startActive abre o canal do image stream na direção do modo do mover.
func (a *Agent) startActive() {
	a.log.Debug("mover going active", "mode", a.Mover.Mode)

	switch a.Mover.Mode {
	case protocol.MoverModeRead:
		a.is.SetChanMode(channel.ModeRead)
		a.moverActive()
	case protocol.MoverModeWrite:
		a.is.SetChanMode(channel.ModeWrite)
		a.moverActive()
	default:
		a.log.Error("mover start with unknown mode", "mode", a.Mover.Mode)
		a.moverHalt(protocol.MoverHaltInternalError)
	}
}

// Operações do peer -----------------------------------------------------

// MoverListen põe o mover em escuta no transporte pedido e devolve o
// endereço publicado.
func (a *Agent) MoverListen(mode protocol.MoverMode, addrType protocol.AddrType, localIP net.IP) (protocol.Addr, protocol.Error) {
	if a.Mover.State != protocol.MoverIdle {
		return protocol.Addr{}, protocol.IllegalStateErr
	}
	if mode != protocol.MoverModeRead && mode != protocol.MoverModeWrite {
		return protocol.Addr{}, protocol.IllegalArgsErr
	}
	if !a.deviceOpen() {
		return protocol.Addr{}, protocol.DevNotOpenErr
	}
	if mode == protocol.MoverModeRead && !a.writable() {
		return protocol.Addr{}, protocol.PermissionErr
	}

	addr, err := a.is.Listen(stream.TapeEP, addrType, localIP)
	if err != nil {
		a.log.Error("mover listen failed", "error", err)
		return protocol.Addr{}, protocol.IllegalStateErr
	}

	a.Mover.Mode = mode
	a.Mover.State = protocol.MoverListen
	a.Mover.HaltReason = protocol.MoverHaltNA
	a.Mover.PauseReason = protocol.MoverPauseNA
	return addr, protocol.NoErr
}

// MoverConnect conecta o mover a um data agent em escuta (caminho de
// conexão de saída).
func (a *Agent) MoverConnect(mode protocol.MoverMode, addr protocol.Addr) protocol.Error {
	if a.Mover.State != protocol.MoverIdle {
		return protocol.IllegalStateErr
	}
	if mode != protocol.MoverModeRead && mode != protocol.MoverModeWrite {
		return protocol.IllegalArgsErr
	}
	if !a.deviceOpen() {
		return protocol.DevNotOpenErr
	}
	if mode == protocol.MoverModeRead && !a.writable() {
		return protocol.PermissionErr
	}

	if err := a.is.Connect(stream.TapeEP, addr); err != nil {
		a.log.Error("mover connect failed", "error", err)
		if err == stream.ErrNotListening || err == stream.ErrAlreadyActive {
			return protocol.IllegalStateErr
		}
		return protocol.IOErr
	}

	a.Mover.Mode = mode
	a.startActive()
	return protocol.NoErr
}

// MoverContinue retoma um mover pausado.
func (a *Agent) MoverContinue() protocol.Error {
	if a.Mover.State != protocol.MoverPaused {
		return protocol.IllegalStateErr
	}
	// Depois de um LEOM a fita continua sem espaço até uma nova
	// operação de posicionamento; retomar aqui só repetiria o erro.
	if a.Mover.PauseReason == protocol.MoverPauseEOM && a.deviceOpen() && a.dev.SpaceLow() {
		return protocol.IllegalStateErr
	}
	if a.Mover.Mode == protocol.MoverModeWrite && a.Mover.BytesLeftToRead == 0 {
		return protocol.IllegalArgsErr
	}
	a.moverActive()
	return protocol.NoErr
}

// MoverAbort aborta o mover a partir de LISTEN/ACTIVE/PAUSED.
func (a *Agent) MoverAbort() protocol.Error {
	switch a.Mover.State {
	case protocol.MoverListen, protocol.MoverActive, protocol.MoverPaused:
		a.moverHalt(protocol.MoverHaltAborted)
		return protocol.NoErr
	}
	return protocol.IllegalStateErr
}

// MoverStop devolve o mover a IDLE; só é legal a partir de HALTED.
func (a *Agent) MoverStop() protocol.Error {
	if a.Mover.State != protocol.MoverHalted {
		return protocol.IllegalStateErr
	}
	a.initMoverState()
	return protocol.NoErr
}

// MoverSetWindow define a janela corrente; ilegal com o mover ativo.
func (a *Agent) MoverSetWindow(offset, length uint64) protocol.Error {
	switch a.Mover.State {
	case protocol.MoverIdle, protocol.MoverListen, protocol.MoverPaused:
	default:
		return protocol.IllegalStateErr
	}

	a.Mover.WindowOffset = offset
	a.Mover.WindowLength = length
	if length == LengthInfinity || offset > LengthInfinity-length {
		a.windowEnd = LengthInfinity
	} else {
		a.windowEnd = offset + length
	}
	// A posição do stream acompanha a nova janela; no modo de leitura
	// da fita o MOVER_READ seguinte reposiciona por cima.
	a.wantPos = offset
	return protocol.NoErr
}

// MoverRead agenda a entrega de [offset, offset+length) ao image stream.
// Um read ainda em curso é recusado com SEQUENCE_ERR.
func (a *Agent) MoverRead(offset, length uint64) protocol.Error {
	if a.Mover.Mode != protocol.MoverModeWrite {
		return protocol.IllegalStateErr
	}
	switch a.Mover.State {
	case protocol.MoverActive, protocol.MoverPaused:
	default:
		return protocol.IllegalStateErr
	}
	if a.Mover.BytesLeftToRead > 0 {
		return protocol.SequenceErr
	}

	a.Mover.SeekPosition = offset
	a.Mover.BytesLeftToRead = length
	a.wantPos = offset
	return protocol.NoErr
}

// MoverSetRecordSize define a granularidade dos records do pump.
func (a *Agent) MoverSetRecordSize(size uint32) protocol.Error {
	if a.Mover.State == protocol.MoverActive {
		return protocol.IllegalStateErr
	}
	if size == 0 || size > protocol.MaxFrameLen {
		return protocol.IllegalArgsErr
	}
	// Um canal de stream já criado não cresce; um record maior que o
	// ring travaria o pump para sempre.
	if ch := a.is.Chan; ch != nil && ch.NReady()+ch.NAvail() < int64(size) {
		return protocol.IllegalArgsErr
	}
	a.Mover.RecordSize = size
	if len(a.tapeBuf) < int(size) {
		a.tapeBuf = make([]byte, size)
	}
	a.is.EnsureBuffer(int64(size))
	if a.limiter != nil && a.limiter.Burst() < int(size) {
		a.limiter.SetBurst(int(size))
	}
	return protocol.NoErr
}

// MoverCloseOp trata o MOVER_CLOSE do peer: um close redundante com o
// mover já parado preserva o halt reason registrado e é recusado.
func (a *Agent) MoverCloseOp() protocol.Error {
	switch a.Mover.State {
	case protocol.MoverIdle, protocol.MoverHalted:
		return protocol.IllegalStateErr
	}
	a.moverHalt(protocol.MoverHaltConnectClosed)
	return protocol.NoErr
}

// MoverGetState publica o snapshot do mover.
func (a *Agent) MoverGetState() protocol.MoverGetStateReply {
	var recordNum uint32
	if a.deviceOpen() {
		recordNum = a.dev.SyncState().Blockno
	}
	return protocol.MoverGetStateReply{
		Error:           protocol.NoErr,
		State:           a.Mover.State,
		Mode:            a.Mover.Mode,
		PauseReason:     a.Mover.PauseReason,
		HaltReason:      a.Mover.HaltReason,
		RecordSize:      a.Mover.RecordSize,
		RecordNum:       recordNum,
		BytesMoved:      a.Mover.BytesMoved,
		SeekPosition:    a.Mover.SeekPosition,
		BytesLeftToRead: a.Mover.BytesLeftToRead,
		WindowOffset:    a.Mover.WindowOffset,
		WindowLength:    a.Mover.WindowLength,
		Addr:            a.is.Addr(),
	}
}

// Quantum ---------------------------------------------------------------

// Quantum dá ao mover uma fatia não-bloqueante de trabalho e emite no
// máximo uma notificação por transição.
func (a *Agent) Quantum() bool {
	did := false

	switch a.Mover.State {
	case protocol.MoverIdle, protocol.MoverPaused, protocol.MoverHalted:

	case protocol.MoverListen:
		switch a.is.Tape.Status {
		case stream.StatusListen:
			// ainda sem conexão
		case stream.StatusAccepted, stream.StatusConnected:
			a.startActive()
			did = true
		default:
			a.moverHalt(protocol.MoverHaltConnectError)
			did = true
		}

	case protocol.MoverActive:
		switch a.Mover.Mode {
		case protocol.MoverModeRead:
			did = a.readQuantum()
		case protocol.MoverModeWrite:
			did = a.writeQuantum()
		default:
			a.log.Error("mover active with unknown mode", "mode", a.Mover.Mode)
			a.moverHalt(protocol.MoverHaltInternalError)
			did = true
		}
	}

	a.sendNotice()
	return did
}

// sendNotice emite a notificação pendente da última transição;
// notificações redundantes são suprimidas pelo flag.
func (a *Agent) sendNotice() {
	if !a.notifyPending {
		return
	}
	a.notifyPending = false

	switch a.Mover.State {
	case protocol.MoverHalted:
		a.notify.MoverHalted(a.Mover.HaltReason)
	case protocol.MoverPaused:
		a.notify.MoverPaused(a.Mover.PauseReason, a.Mover.SeekPosition)
	}
}
