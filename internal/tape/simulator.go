// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/nishisan-dev/n-ndmp/internal/protocol"
)

// O arquivo de backing é uma sequência de (gap, payload): um gap BOT
// abre o arquivo, um gap EOT sentinela segue sempre o último record.
// prev_size permite retroceder em O(1).
//
// Layout do gap, little-endian:
//   offset 0:  u32 magic     = 0x0BEEFEE0
//   offset 4:  u32 rectype   ("BOT_" | "DATA" | "FILE" | "EOT_" como 4 chars LE)
//   offset 8:  u32 prev_size (payload do record anterior)
//   offset 12: u32 size      (payload deste record)

const (
	gapMagic = 0x0BEEFEE0
	gapLen   = 16
)

func gapType(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	gapBOT  = gapType('B', 'O', 'T', '_')
	gapDATA = gapType('D', 'A', 'T', 'A')
	gapFILE = gapType('F', 'I', 'L', 'E')
	gapEOT  = gapType('E', 'O', 'T', '_')
)

type gap struct {
	magic    uint32
	rectype  uint32
	prevSize uint32
	size     uint32
}

func (g gap) marshal() [gapLen]byte {
	var b [gapLen]byte
	binary.LittleEndian.PutUint32(b[0:], g.magic)
	binary.LittleEndian.PutUint32(b[4:], g.rectype)
	binary.LittleEndian.PutUint32(b[8:], g.prevSize)
	binary.LittleEndian.PutUint32(b[12:], g.size)
	return b
}

func unmarshalGap(b [gapLen]byte) gap {
	return gap{
		magic:    binary.LittleEndian.Uint32(b[0:]),
		rectype:  binary.LittleEndian.Uint32(b[4:]),
		prevSize: binary.LittleEndian.Uint32(b[8:]),
		size:     binary.LittleEndian.Uint32(b[12:]),
	}
}

// Resultado de um passo de movimento do simulador.
const (
	stepErr  = -1
	stepNone = 0
	stepData = 1
	stepFile = 2
)

// Simulator é o tape device file-backed. Uma instância serve um open;
// limit define o EOM físico (0 = ilimitado) e leomMargin a antecedência
// do aviso de LEOM.
type Simulator struct {
	limit      int64
	leomMargin int64

	f        *os.File
	path     string
	pos      int64 // offset do gap do próximo record
	writable bool

	sentLEOM    bool
	weofOnClose bool

	st State
}

// NewSimulator cria um simulador com o limite físico e a margem de LEOM.
func NewSimulator(limit, leomMargin int64) *Simulator {
	return &Simulator{limit: limit, leomMargin: leomMargin}
}

// IsOpen implementa Device.
func (s *Simulator) IsOpen() bool { return s.f != nil }

func (s *Simulator) lockPath() string { return s.path + ".lck" }
func (s *Simulator) posPath() string  { return s.path + ".pos" }

func (s *Simulator) readGap(off int64) (gap, error) {
	var b [gapLen]byte
	if _, err := s.f.ReadAt(b[:], off); err != nil {
		return gap{}, err
	}
	g := unmarshalGap(b)
	if g.magic != gapMagic {
		return gap{}, fmt.Errorf("tape: bad gap magic %#x at offset %d", g.magic, off)
	}
	return g, nil
}

func (s *Simulator) writeGap(off int64, g gap) error {
	b := g.marshal()
	_, err := s.f.WriteAt(b[:], off)
	return err
}

// Open implementa Device. Cria o lockfile <path>.lck com O_EXCL
// (EEXIST vira DEVICE_BUSY) e retoma a posição do symlink <path>.pos
// quando válido.
func (s *Simulator) Open(path string, write bool) protocol.Error {
	if s.f != nil {
		return protocol.DeviceOpenedErr
	}

	fi, err := os.Stat(path)
	if err != nil {
		return protocol.NoDeviceErr
	}
	readOnly := fi.Mode().Perm()&0222 == 0
	if write && readOnly {
		return protocol.WriteProtectErr
	}

	lf, err := os.OpenFile(path+".lck", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return protocol.DeviceBusyErr
		}
		return protocol.PermissionErr
	}
	lf.Close()

	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		os.Remove(path + ".lck")
		return protocol.PermissionErr
	}

	s.f = f
	s.path = path
	s.writable = write
	s.pos = 0
	s.sentLEOM = false
	s.weofOnClose = false
	s.st = State{}

	headerChecked := false
	if fi.Size() == 0 {
		os.Remove(s.posPath())
		if write {
			bot := gap{magic: gapMagic, rectype: gapBOT}
			eot := gap{magic: gapMagic, rectype: gapEOT}
			if s.writeGap(0, bot) != nil || s.writeGap(gapLen, eot) != nil {
				s.abandonOpen()
				return protocol.IOErr
			}
		} else {
			// Fita vazia somente-leitura: sem header para validar;
			// a primeira leitura vai falhar com IO.
			headerChecked = true
		}
	}

	if !headerChecked {
		var b [gapLen]byte
		if _, err := s.f.ReadAt(b[:], 0); err != nil {
			s.abandonOpen()
			return protocol.NoTapeLoadedErr
		}
		if unmarshalGap(b).magic != gapMagic {
			s.abandonOpen()
			return protocol.IOErr
		}
		s.pos = gapLen // logo após o gap BOT

		// Position hint de um close anterior
		if target, err := os.Readlink(s.posPath()); err == nil {
			if off, err := strconv.ParseInt(target, 10, 64); err == nil {
				if _, err := s.readGap(off); err == nil {
					s.pos = off
				}
			}
		}
	}
	os.Remove(s.posPath())

	if s.limit > 0 {
		s.st.HaveSpace = true
		s.st.TotalSpace = s.limit
		s.st.SpaceRemain = s.limit - fi.Size()
	}

	return protocol.NoErr
}

// abandonOpen desfaz um open que falhou depois do lockfile criado.
func (s *Simulator) abandonOpen() {
	s.f.Close()
	s.f = nil
	os.Remove(s.lockPath())
}

// Close implementa Device. Grava o symlink de posição para o próximo
// open e remove o lockfile.
func (s *Simulator) Close() protocol.Error {
	if s.f == nil {
		return protocol.DevNotOpenErr
	}

	s.flushWeof()

	// Melhor esforço: o hint de posição não é essencial
	os.Remove(s.posPath())
	_ = os.Symlink(strconv.FormatInt(s.pos, 10), s.posPath())

	s.f.Close()
	s.f = nil
	os.Remove(s.lockPath())

	s.st = State{}
	s.pos = 0
	s.weofOnClose = false

	return protocol.NoErr
}

// flushWeof descarrega o filemark pendente de uma gravação anterior.
func (s *Simulator) flushWeof() {
	if s.weofOnClose {
		// best effort
		s.WFM()
	}
}

// backOne retrocede um elemento. overFileMark permite cruzar filemarks.
func (s *Simulator) backOne(overFileMark bool) int {
	g, err := s.readGap(s.pos)
	if err != nil {
		return stepErr
	}

	newPos := s.pos - gapLen - int64(g.prevSize)
	if newPos < 0 {
		return stepErr
	}

	s.sentLEOM = false

	pg, err := s.readGap(newPos)
	if err != nil {
		return stepErr
	}

	switch pg.rectype {
	case gapBOT:
		// Não há como retroceder sobre o BOT; só zera os contadores.
		s.st.FileNum = 0
		s.st.Blockno = 0
		s.pos = newPos + gapLen
		return stepNone

	case gapDATA:
		if s.st.Blockno > 0 {
			s.st.Blockno--
		}
		s.pos = newPos
		return stepData

	case gapFILE:
		s.st.Blockno = 0
		if !overFileMark {
			return stepNone
		}
		if s.st.FileNum > 0 {
			s.st.FileNum--
		}
		s.pos = newPos
		return stepFile
	}
	return stepErr
}

// forwOne avança um elemento. overFileMark permite cruzar filemarks.
func (s *Simulator) forwOne(overFileMark bool) int {
	g, err := s.readGap(s.pos)
	if err != nil {
		return stepErr
	}

	s.sentLEOM = false

	newPos := s.pos + gapLen + int64(g.size)

	switch g.rectype {
	case gapEOT:
		return stepNone

	case gapDATA:
		s.st.Blockno++
		s.pos = newPos
		return stepData

	case gapFILE:
		if !overFileMark {
			return stepNone
		}
		s.st.Blockno = 0
		s.st.FileNum++
		s.pos = newPos
		return stepFile
	}
	return stepErr
}

// Mtio implementa Device.
func (s *Simulator) Mtio(op protocol.MtioOp, count uint32) (uint32, protocol.Error) {
	resid := count

	if s.f == nil {
		return resid, protocol.DevNotOpenErr
	}

	switch op {
	case protocol.MtioFSF, protocol.MtioBSF:
		over := true
		for resid > 0 {
			var rc int
			if op == protocol.MtioFSF {
				s.flushWeof()
				rc = s.forwOne(over)
			} else {
				// Retroceder descarta o WEOF pendente (ver BSR)
				s.weofOnClose = false
				rc = s.backOne(over)
			}
			if rc == stepErr {
				return resid, protocol.IOErr
			}
			if rc == stepNone {
				break
			}
			if rc == stepFile {
				resid--
			}
		}

	case protocol.MtioFSR, protocol.MtioBSR:
		for resid > 0 {
			var rc int
			if op == protocol.MtioFSR {
				s.flushWeof()
				rc = s.forwOne(false)
			} else {
				// Retroceder descarta o WEOF pendente em vez de gravá-lo:
				// o filemark barraria o BSR sobre o record recém-gravado e,
				// gravado no close depois do retrocesso, truncaria a fita.
				s.weofOnClose = false
				rc = s.backOne(false)
			}
			if rc == stepErr {
				return resid, protocol.IOErr
			}
			if rc == stepNone {
				break
			}
			resid--
		}

	case protocol.MtioREW:
		s.flushWeof()
		resid = 0
		s.st.FileNum = 0
		s.st.Blockno = 0
		s.pos = gapLen

	case protocol.MtioOFF:
		s.flushWeof()

	case protocol.MtioEOF:
		if !s.writable {
			return resid, protocol.PermissionErr
		}
		for resid > 0 {
			if err := s.WFM(); err != protocol.NoErr {
				return resid, err
			}
			resid--
		}

	default:
		return resid, protocol.IllegalArgsErr
	}

	return resid, protocol.NoErr
}

// Write implementa Device: grava um record DATA na posição corrente,
// reescreve o gap EOT sentinela e trunca o que havia adiante.
func (s *Simulator) Write(buf []byte) (int, protocol.Error) {
	if s.f == nil {
		return 0, protocol.DevNotOpenErr
	}
	if !s.writable {
		return 0, protocol.PermissionErr
	}
	count := len(buf)
	if count == 0 {
		// Clarificação do NDMPv4: read/write com count == 0 é no-op
		return 0, protocol.NoErr
	}

	if s.limit > 0 {
		// LEOM uma única vez quando a margem é cruzada; cada passo de
		// FSF/BSF/FSR/BSR (backOne/forwOne) rearma o aviso, REW não
		if !s.sentLEOM && s.pos > s.limit-s.leomMargin {
			s.sentLEOM = true
			return 0, protocol.EOMErr
		}
		// PEOM: a gravação não cabe no limite físico
		if s.pos+gapLen+int64(count) > s.limit {
			return 0, protocol.IOErr
		}
	}

	cur, err := s.readGap(s.pos)
	if err != nil {
		return 0, protocol.IOErr
	}
	prevSize := cur.prevSize

	g := gap{magic: gapMagic, rectype: gapDATA, prevSize: prevSize, size: uint32(count)}
	done := 0
	werr := protocol.NoErr
	if s.writeGap(s.pos, g) == nil && s.writeAt(buf, s.pos+gapLen) {
		s.pos += gapLen + int64(count)
		prevSize = uint32(count)
		s.st.Blockno++
		done = count
	} else {
		werr = protocol.IOErr
	}

	if s.f.Truncate(s.pos) != nil {
		return done, protocol.IOErr
	}
	eot := gap{magic: gapMagic, rectype: gapEOT, prevSize: prevSize}
	if s.writeGap(s.pos, eot) != nil {
		return done, protocol.IOErr
	}

	if s.limit > 0 {
		s.st.SpaceRemain = s.limit - s.pos
	}
	s.weofOnClose = true

	return done, werr
}

func (s *Simulator) writeAt(buf []byte, off int64) bool {
	n, err := s.f.WriteAt(buf, off)
	return err == nil && n == len(buf)
}

// WFM implementa Device: grava um gap FILE e reescreve o EOT sentinela.
// Filemarks nunca disparam LEOM.
func (s *Simulator) WFM() protocol.Error {
	s.weofOnClose = false

	if s.f == nil {
		return protocol.DevNotOpenErr
	}
	if !s.writable {
		return protocol.PermissionErr
	}

	if s.limit > 0 && s.pos+gapLen > s.limit {
		return protocol.IOErr
	}

	cur, err := s.readGap(s.pos)
	if err != nil {
		return protocol.IOErr
	}
	prevSize := cur.prevSize

	g := gap{magic: gapMagic, rectype: gapFILE, prevSize: prevSize}
	werr := protocol.NoErr
	if s.writeGap(s.pos, g) == nil {
		s.pos += gapLen
		prevSize = 0
		s.st.FileNum++
		s.st.Blockno = 0
	} else {
		werr = protocol.IOErr
	}

	if s.f.Truncate(s.pos) != nil {
		return protocol.IOErr
	}
	eot := gap{magic: gapMagic, rectype: gapEOT, prevSize: prevSize}
	if s.writeGap(s.pos, eot) != nil {
		return protocol.IOErr
	}

	if s.limit > 0 {
		s.st.SpaceRemain = s.limit - s.pos
	}

	return werr
}

// Read implementa Device: devolve min(len(buf), record) bytes do record
// corrente; gaps FILE/EOT/BOT são reportados como EOF sem mover a fita.
func (s *Simulator) Read(buf []byte) (int, protocol.Error) {
	if s.f == nil {
		return 0, protocol.DevNotOpenErr
	}
	if len(buf) == 0 {
		// Clarificação do NDMPv4 (ver Write)
		return 0, protocol.NoErr
	}

	g, err := s.readGap(s.pos)
	if err != nil {
		return 0, protocol.IOErr
	}

	if g.rectype != gapDATA {
		// Qualquer outro tipo de gap é interpretado como EOF
		return 0, protocol.EOFErr
	}

	nb := len(buf)
	if nb > int(g.size) {
		nb = int(g.size)
	}
	if n, err := s.f.ReadAt(buf[:nb], s.pos+gapLen); err != nil || n != nb {
		return 0, protocol.IOErr
	}

	// Avança sempre um record inteiro, mesmo em leitura parcial
	s.pos += gapLen + int64(g.size)
	s.st.Blockno++

	return nb, protocol.NoErr
}

// SyncState implementa Device.
func (s *Simulator) SyncState() State { return s.st }

// SpaceLow implementa Device.
func (s *Simulator) SpaceLow() bool {
	return s.limit > 0 && s.pos > s.limit-s.leomMargin
}
