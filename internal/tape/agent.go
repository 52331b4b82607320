// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"github.com/nishisan-dev/n-ndmp/internal/stream"
	"golang.org/x/time/rate"
)

// Notifier entrega as notificações do mover ao peer de controle. A
// sessão implementa a interface; o agent nunca fala wire diretamente.
type Notifier interface {
	MoverHalted(reason protocol.MoverHaltReason)
	MoverPaused(reason protocol.MoverPauseReason, seekPosition uint64)
}

// LengthInfinity é a janela "sem fim" (todos os bits em 1).
const LengthInfinity = ^uint64(0)

// defaultRecordSize é o default tradicional do tar (20 blocos de 512).
const defaultRecordSize = 20 * 512

// maxBurstSize limita o burst do rate limiter do pump (256KB).
const maxBurstSize = 256 * 1024

// MoverState agrega os campos visíveis do mover FSM.
type MoverState struct {
	State       protocol.MoverState
	Mode        protocol.MoverMode
	HaltReason  protocol.MoverHaltReason
	PauseReason protocol.MoverPauseReason

	RecordSize      uint32
	BytesMoved      uint64
	SeekPosition    uint64
	BytesLeftToRead uint64
	WindowOffset    uint64
	WindowLength    uint64
}

// Agent é o TAPE agent: dono do tape device e do mover.
type Agent struct {
	log    *slog.Logger
	is     *stream.ImageStream
	notify Notifier

	// newDevice constrói o device no TAPE_OPEN (injeta limite/margem
	// da configuração; testes injetam fakes).
	newDevice func() Device

	// AllowPath restringe os paths aceitos no TAPE_OPEN (nil = todos).
	AllowPath func(string) bool

	dev      Device
	openMode protocol.TapeOpenMode

	Mover MoverState

	// Estado interno do pump
	windowEnd uint64
	wantPos   uint64
	tapeBuf   []byte
	tbBlockno int64 // blockno do record em tapeBuf; -1 = inválido
	tbLen     int   // bytes válidos em tapeBuf

	pending      bool
	pendingState protocol.MoverState
	pendingHalt  protocol.MoverHaltReason
	pendingPause protocol.MoverPauseReason

	notifyPending bool

	limiter *rate.Limiter
}

// NewAgent cria o TAPE agent da sessão. throttle limita o pump em
// bytes/segundo (0 = sem limite).
func NewAgent(log *slog.Logger, is *stream.ImageStream, notify Notifier, newDevice func() Device, throttle int64) *Agent {
	a := &Agent{
		log:       log.With("component", "tape_agent"),
		is:        is,
		notify:    notify,
		newDevice: newDevice,
	}
	if throttle > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(throttle), burstFor(throttle, defaultRecordSize))
	}
	a.Commission()
	return a
}

// burstFor escolhe o burst do limiter: limitado a maxBurstSize mas nunca
// menor que um record, senão o pump deadlocka.
func burstFor(throttle int64, recordSize uint32) int {
	burst := int(throttle)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst < int(recordSize) {
		burst = int(recordSize)
	}
	return burst
}

// Commission zera o mover para o estado de prontidão.
func (a *Agent) Commission() {
	a.initMoverState()
}

// Decommission libera o agent: fecha o endpoint do stream e o device.
func (a *Agent) Decommission() {
	a.is.CloseEndpoint(stream.TapeEP)
	if a.dev != nil && a.dev.IsOpen() {
		a.dev.Close()
	}
	a.dev = nil
	a.initMoverState()
}

func (a *Agent) initMoverState() {
	a.Mover = MoverState{
		State:        protocol.MoverIdle,
		Mode:         protocol.MoverModeNoAction,
		RecordSize:   defaultRecordSize,
		WindowLength: LengthInfinity,
	}
	a.windowEnd = LengthInfinity
	a.wantPos = 0
	a.tbBlockno = -1
	a.tbLen = 0
	a.pending = false
	a.notifyPending = false
	if a.tapeBuf == nil || len(a.tapeBuf) < defaultRecordSize {
		a.tapeBuf = make([]byte, defaultRecordSize)
	}
}

func (a *Agent) deviceOpen() bool {
	return a.dev != nil && a.dev.IsOpen()
}

func (a *Agent) writable() bool {
	return a.openMode == protocol.TapeRDWRMode
}

// allowBudget consome o orçamento do throttle sem bloquear; quando os
// tokens acabam o pump simplesmente tenta de novo no próximo quantum.
func (a *Agent) allowBudget(n int64) bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.AllowN(time.Now(), int(n))
}

// TAPE_* ---------------------------------------------------------------

// TapeOpen abre o device no path pedido.
func (a *Agent) TapeOpen(device string, mode protocol.TapeOpenMode) protocol.Error {
	if a.deviceOpen() {
		a.log.Error("device simulator is already open", "device", device)
		return protocol.DeviceOpenedErr
	}
	if mode != protocol.TapeReadMode && mode != protocol.TapeRDWRMode {
		return protocol.IllegalArgsErr
	}
	if a.AllowPath != nil && !a.AllowPath(device) {
		return protocol.NoDeviceErr
	}

	dev := a.newDevice()
	if err := dev.Open(device, mode == protocol.TapeRDWRMode); err != protocol.NoErr {
		return err
	}
	a.dev = dev
	a.openMode = mode
	a.log.Info("tape opened", "device", device, "write", mode == protocol.TapeRDWRMode)
	return protocol.NoErr
}

// TapeClose fecha o device. Ilegal enquanto o mover está ativo.
func (a *Agent) TapeClose() protocol.Error {
	if !a.deviceOpen() {
		return protocol.DevNotOpenErr
	}
	if a.Mover.State == protocol.MoverActive || a.Mover.State == protocol.MoverListen {
		return protocol.IllegalStateErr
	}
	err := a.dev.Close()
	a.dev = nil
	a.log.Info("tape closed")
	return err
}

// TapeGetState publica o estado do device; com o device fechado o reply
// sai zerado com DEV_NOT_OPEN sem tocar no FSM.
func (a *Agent) TapeGetState() protocol.TapeGetStateReply {
	if !a.deviceOpen() {
		return protocol.TapeGetStateReply{
			Error: protocol.DevNotOpenErr,
			State: protocol.TapeStateIdle,
		}
	}

	st := a.dev.SyncState()
	reply := protocol.TapeGetStateReply{
		Error: protocol.NoErr,
		Validity: protocol.TapeStateFileNumValid | protocol.TapeStateSoftErrorsValid |
			protocol.TapeStateBlockSizeValid | protocol.TapeStateBlocknoValid,
		State:      protocol.TapeStateOpen,
		OpenMode:   a.openMode,
		FileNum:    st.FileNum,
		SoftErrors: st.SoftErrors,
		BlockSize:  st.BlockSize,
		Blockno:    st.Blockno,
	}
	if a.Mover.State == protocol.MoverActive {
		reply.State = protocol.TapeStateMover
	}
	if st.HaveSpace {
		reply.Validity |= protocol.TapeStateTotalSpaceValid | protocol.TapeStateSpaceRemainValid
		reply.TotalSpace = uint64(st.TotalSpace)
		reply.SpaceRemain = uint64(st.SpaceRemain)
	}
	return reply
}

// TapeMtio executa a operação de posicionamento pedida.
func (a *Agent) TapeMtio(op protocol.MtioOp, count uint32) (uint32, protocol.Error) {
	if !a.deviceOpen() {
		return count, protocol.DevNotOpenErr
	}
	return a.dev.Mtio(op, count)
}

// TapeWrite grava um record vindo do peer.
func (a *Agent) TapeWrite(data []byte) (uint32, protocol.Error) {
	if !a.deviceOpen() {
		return 0, protocol.DevNotOpenErr
	}
	if !a.writable() {
		return 0, protocol.PermissionErr
	}
	done, err := a.dev.Write(data)
	return uint32(done), err
}

// TapeRead lê até count bytes do record corrente para o peer.
func (a *Agent) TapeRead(count uint32) ([]byte, protocol.Error) {
	if !a.deviceOpen() {
		return nil, protocol.DevNotOpenErr
	}
	if count > protocol.MaxFrameLen {
		return nil, protocol.IllegalArgsErr
	}
	buf := make([]byte, count)
	done, err := a.dev.Read(buf)
	if err != protocol.NoErr {
		return nil, err
	}
	return buf[:done], protocol.NoErr
}
