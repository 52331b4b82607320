// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"github.com/nishisan-dev/n-ndmp/internal/stream"
)

// readQuantum move bytes do image stream para a fita (mover em modo
// READ, usado no backup). A cada iteração grava exatamente um record;
// no EOF do stream o record parcial final é completado com zeros antes
// da última gravação.
func (a *Agent) readQuantum() bool {
	ch := a.is.Chan
	if ch == nil {
		return false
	}
	count := int64(a.Mover.RecordSize)
	did := false

	for {
		nReady := ch.NReady()
		if ch.EOF() {
			if nReady == 0 {
				// stream drenado: encerra
				if ch.Err() != nil {
					a.moverHalt(protocol.MoverHaltConnectError)
				} else {
					a.moverHalt(protocol.MoverHaltConnectClosed)
				}
				return true
			}
			if nReady < count {
				ch.AppendZeros(count - nReady)
				nReady = ch.NReady()
			}
		}

		if nReady < count {
			return did // bloqueado aguardando um record completo
		}

		if a.wantPos >= a.windowEnd {
			a.moverPause(protocol.MoverPauseSeek)
			return true
		}

		if !a.allowBudget(count) {
			return did // throttle: retenta no próximo quantum
		}

		ch.Peek(a.tapeBuf[:count])
		_, err := a.dev.Write(a.tapeBuf[:count])

		switch err {
		case protocol.NoErr:
			a.Mover.BytesMoved += uint64(count)
			a.wantPos += uint64(count)
			ch.Consume(count)
			a.is.MarkConnected(stream.TapeEP)
			did = true
			// grava o máximo possível por quantum

		case protocol.EOMErr:
			a.moverPause(protocol.MoverPauseEOM)
			return true

		default:
			a.moverPause(protocol.MoverPauseMediaError)
			return true
		}
	}
}

// writeQuantum move bytes da fita para o image stream (mover em modo
// WRITE, usado no recover). Reposiciona a fita com FSR/BSR quando o
// blockno pedido difere do corrente, lê um record inteiro para o buffer
// interno e copia a fatia pedida para o ring. Transições tomadas com
// bytes ainda bufferizados ficam pendentes até o ring drenar.
func (a *Agent) writeQuantum() bool {
	ch := a.is.Chan
	if ch == nil {
		return false
	}
	count := int64(a.Mover.RecordSize)
	did := false

	for {
		nAvail := ch.NAvail()
		if nAvail == 0 {
			return did // deixa o consumidor drenar
		}

		if a.pending {
			if ch.NReady() > 0 {
				return did // ainda drenando
			}
			a.applyPending()
			return true
		}

		nRead := nAvail
		if uint64(nRead) > a.Mover.BytesLeftToRead {
			nRead = int64(a.Mover.BytesLeftToRead)
		}
		if nRead == 0 {
			// ativo, mas aguardando o próximo MOVER_READ
			return did
		}

		if a.wantPos < a.Mover.WindowOffset || a.wantPos >= a.windowEnd {
			a.pausePending(protocol.MoverPauseSeek)
			continue
		}
		if max := a.windowEnd - a.wantPos; uint64(nRead) > max {
			nRead = int64(max)
		}

		wantBlockno := int64((a.wantPos - a.Mover.WindowOffset) / uint64(a.Mover.RecordSize))

		if a.tbBlockno != wantBlockno {
			cur := int64(a.dev.SyncState().Blockno)
			if cur < wantBlockno {
				resid, err := a.dev.Mtio(protocol.MtioFSR, uint32(wantBlockno-cur))
				if err == protocol.EOFErr {
					a.pausePending(protocol.MoverPauseEOF)
					continue
				}
				if err != protocol.NoErr {
					a.pausePending(protocol.MoverPauseMediaError)
					continue
				}
				if resid > 0 {
					a.pausePending(protocol.MoverPauseEOF)
					continue
				}
			} else if cur > wantBlockno {
				resid, err := a.dev.Mtio(protocol.MtioBSR, uint32(cur-wantBlockno))
				if err != protocol.NoErr || resid > 0 {
					a.pausePending(protocol.MoverPauseMediaError)
					continue
				}
			}

			if !a.allowBudget(count) {
				return did
			}

			done, err := a.dev.Read(a.tapeBuf[:count])
			did = true
			if err == protocol.EOFErr {
				a.pausePending(protocol.MoverPauseEOF)
				continue
			}
			if err != protocol.NoErr {
				a.pausePending(protocol.MoverPauseMediaError)
				continue
			}
			if done == 0 {
				return did
			}
			a.tbLen = done
			a.tbBlockno = wantBlockno
			a.is.MarkConnected(stream.TapeEP)
		}

		recordOff := int64(a.wantPos % uint64(a.Mover.RecordSize))
		n := int64(a.tbLen) - recordOff
		if n <= 0 {
			// record parcial terminou antes do offset pedido
			a.pausePending(protocol.MoverPauseEOF)
			continue
		}
		if n > nRead {
			n = nRead
		}

		n = int64(ch.Append(a.tapeBuf[recordOff : recordOff+n]))
		a.wantPos += uint64(n)
		a.Mover.BytesLeftToRead -= uint64(n)
		a.Mover.BytesMoved += uint64(n)
		did = true

		if a.Mover.BytesLeftToRead == 0 {
			// Read satisfeito: pausa para o peer pedir a próxima janela
			a.pausePending(protocol.MoverPauseSeek)
			continue
		}
	}
}
