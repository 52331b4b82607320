// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package robot implementa o simulador de media changer SCSI: um
// diretório de estado com um arquivo por elemento e um executor de CDBs
// mínimo (TEST_UNIT_READY, INQUIRY, MODE_SENSE_6, READ_ELEMENT_STATUS,
// MOVE_MEDIUM).
package robot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/n-ndmp/internal/protocol"
)

// Layout fixo de endereços de elementos.
const (
	ieFirst      = 0
	ieCount      = 2
	mteFirst     = 16
	mteCount     = 1
	dteFirst     = 128
	dteCount     = 2
	storageFirst = 1024
	storageCount = 10
)

// Comandos SCSI suportados.
const (
	cmdTestUnitReady     = 0x00
	cmdInquiry           = 0x12
	cmdModeSense6        = 0x1A
	cmdMoveMedium        = 0xA5
	cmdReadElementStatus = 0xB8
)

// Status e sense.
const (
	statusGood           = 0x00
	statusCheckCondition = 0x02

	senseKeyIllegalRequest = 0x05

	asqInvalidFieldInCDB     = 0x2400
	asqInvalidElementAddress = 0x2101
)

func isIE(a int) bool      { return a >= ieFirst && a < ieFirst+ieCount }
func isMTE(a int) bool     { return a >= mteFirst && a < mteFirst+mteCount }
func isDTE(a int) bool     { return a >= dteFirst && a < dteFirst+dteCount }
func isStorage(a int) bool { return a >= storageFirst && a < storageFirst+storageCount }

// elementState é o estado persistido de um elemento.
type elementState struct {
	Full          bool
	MediumType    uint8
	SourceElement uint16
	PVolTag       [32]byte
	AVolTag       [32]byte
}

// robotState agrega todos os elementos do changer.
type robotState struct {
	MTE     [mteCount]elementState
	Storage [storageCount]elementState
	IE      [ieCount]elementState
	DTE     [dteCount]elementState
}

// Agent é o ROBOT agent da sessão.
type Agent struct {
	log *slog.Logger
	dir string
	err protocol.Error
}

// NewAgent cria o ROBOT agent.
func NewAgent(log *slog.Logger) *Agent {
	return &Agent{
		log: log.With("component", "robot_agent"),
		err: protocol.DevNotOpenErr,
	}
}

// ScsiOpen abre o robot: name deve ser o diretório de estado.
func (a *Agent) ScsiOpen(name string) protocol.Error {
	if name == "" {
		return protocol.NoDeviceErr
	}
	fi, err := os.Stat(name)
	if err != nil || !fi.IsDir() {
		return protocol.NoDeviceErr
	}
	a.dir = name
	a.err = protocol.NoErr
	return protocol.NoErr
}

// ScsiClose fecha o robot.
func (a *Agent) ScsiClose() protocol.Error {
	a.dir = ""
	a.err = protocol.DevNotOpenErr
	return protocol.NoErr
}

// ScsiResetDevice reseta o device (no simulador, só ecoa o estado).
func (a *Agent) ScsiResetDevice() protocol.Error {
	return a.err
}

// ExecuteCdb despacha um CDB para o handler correspondente.
func (a *Agent) ExecuteCdb(req *protocol.ScsiExecuteCdbRequest) protocol.ScsiExecuteCdbReply {
	var reply protocol.ScsiExecuteCdbReply

	if a.err != protocol.NoErr {
		reply.Error = a.err
		return reply
	}
	if len(req.CDB) < 1 {
		reply.Error = protocol.IllegalArgsErr
		return reply
	}

	switch req.CDB[0] {
	case cmdTestUnitReady:
		a.testUnitReady(req, &reply)
	case cmdInquiry:
		a.inquiry(req, &reply)
	case cmdModeSense6:
		a.modeSense6(req, &reply)
	case cmdReadElementStatus:
		a.readElementStatus(req, &reply)
	case cmdMoveMedium:
		a.moveMedium(req, &reply)
	default:
		reply.Error = protocol.IllegalArgsErr
	}
	return reply
}

// failWithSense preenche status CHECK_CONDITION com sense descriptor.
func (a *Agent) failWithSense(reply *protocol.ScsiExecuteCdbReply, senseKey, asq int) {
	a.log.Debug("sending scsi failure", "sense_key", senseKey, "asq", fmt.Sprintf("%#04x", asq))

	reply.Error = protocol.NoErr
	reply.Status = statusCheckCondition
	reply.ExtSense = []byte{
		0x72, // current errors
		byte(senseKey & 0x0F),
		byte(asq >> 8),
		byte(asq),
		0, 0, 0, 0,
	}
}

func (a *Agent) testUnitReady(req *protocol.ScsiExecuteCdbRequest, reply *protocol.ScsiExecuteCdbReply) {
	if len(req.CDB) != 6 {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}
	// pronto!
	reply.Status = statusGood
}

func (a *Agent) inquiry(req *protocol.ScsiExecuteCdbRequest, reply *protocol.ScsiExecuteCdbReply) {
	cdb := req.CDB
	// Só a página 0 é suportada
	if len(cdb) != 6 ||
		req.DataDir != protocol.ScsiDataDirIn ||
		cdb[1]&0x01 != 0 ||
		cdb[2] != 0 ||
		req.DataInLen < 96 ||
		(int(cdb[3])<<8)+int(cdb[4]) < 96 {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}

	response := make([]byte, 96)
	response[0] = 0x08 // media changer
	response[1] = 0    // RMB=0
	response[2] = 6    // VERSION=SPC-4
	response[3] = 2    // RESPONSE DATA FORMAT = 2
	response[4] = 92   // bytes restantes
	copy(response[8:], "NNDMP   ")
	copy(response[16:], "FakeRobot       ")
	copy(response[32:], "1.0 ")

	reply.Status = statusGood
	reply.DataIn = response
}

func (a *Agent) modeSense6(req *protocol.ScsiExecuteCdbRequest, reply *protocol.ScsiExecuteCdbReply) {
	cdb := req.CDB
	if len(cdb) != 6 || req.DataDir != protocol.ScsiDataDirIn {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}
	page := int(cdb[2] & 0x3F)
	subpage := int(cdb[3])

	switch (page << 8) + subpage {
	case 0x1D00: // Element Address Assignment
		if req.DataInLen < 20 || cdb[4] < 20 {
			a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
			return
		}
		response := make([]byte, 24)
		response[0] = 24   // mode data length
		response[4] = 0x1D // page code
		response[5] = 18   // bytes restantes
		put16 := func(off, v int) {
			response[off] = byte(v >> 8)
			response[off+1] = byte(v)
		}
		put16(6, mteFirst)
		put16(8, mteCount)
		put16(10, storageFirst)
		put16(12, storageCount)
		put16(14, ieFirst)
		put16(16, ieCount)
		put16(18, dteFirst)
		put16(20, dteCount)

		reply.Status = statusGood
		reply.DataIn = response

	default:
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
	}
}

func (a *Agent) readElementStatus(req *protocol.ScsiExecuteCdbRequest, reply *protocol.ScsiExecuteCdbReply) {
	cdb := req.CDB
	if len(cdb) != 12 || req.DataDir != protocol.ScsiDataDirIn {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}
	minAddr := (int(cdb[2]) << 8) + int(cdb[3])
	maxElts := (int(cdb[4]) << 8) + int(cdb[5])
	responseLen := (int(cdb[7]) << 16) + (int(cdb[8]) << 8) + int(cdb[9])

	numElts := ieCount + mteCount + dteCount + storageCount

	if responseLen < 8 {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}
	// Reports parciais não são suportados
	if minAddr > ieFirst || maxElts < numElts {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}

	rs := a.loadState()
	a.saveState(rs)

	// Espaço necessário pelo report completo
	requiredLen := 8
	requiredLen += 8 + 12*mteCount      // MTEs sem voltags
	requiredLen += 8 + 84*storageCount  // storage com voltags
	requiredLen += 8 + 84*ieCount       // i/e com voltags
	requiredLen += 8 + 84*dteCount      // DTEs com voltags

	response := make([]byte, responseLen)
	p := 0
	response[p] = ieFirst >> 8
	response[p+1] = ieFirst & 0xFF
	response[p+2] = byte(numElts >> 8)
	response[p+3] = byte(numElts)
	response[p+5] = byte((requiredLen - 8) >> 16)
	response[p+6] = byte((requiredLen - 8) >> 8)
	response[p+7] = byte(requiredLen - 8)
	p += 8

	// Só preenche o resto se houver espaço
	if requiredLen <= responseLen {
		type pageDef struct {
			first, count int
			haveVoltags  bool
			elType       byte
			emptyFlags   byte
			fullFlags    byte
			es           []elementState
		}
		pages := []pageDef{
			{ieFirst, ieCount, true, 3, 0x38, 0x39, rs.IE[:]},
			{mteFirst, mteCount, false, 1, 0x00, 0x01, rs.MTE[:]},
			{dteFirst, dteCount, true, 4, 0x08, 0x81, rs.DTE[:]},
			{storageFirst, storageCount, true, 2, 0x08, 0x09, rs.Storage[:]},
		}

		for _, pg := range pages {
			if pg.count == 0 {
				continue
			}
			descrSize := 12
			if pg.haveVoltags {
				descrSize = 84
			}
			totalSize := descrSize * pg.count

			response[p] = pg.elType
			if pg.haveVoltags {
				response[p+1] = 0xC0
			}
			response[p+3] = byte(descrSize)
			response[p+5] = byte(totalSize >> 16)
			response[p+6] = byte(totalSize >> 8)
			response[p+7] = byte(totalSize)
			p += 8

			for j := 0; j < pg.count; j++ {
				es := &pg.es[j]
				eltAddr := pg.first + j
				srcElt := int(es.SourceElement)
				byte9 := es.MediumType
				if srcElt != 0 {
					byte9 |= 0x80 // SVALID
				}

				response[p] = byte(eltAddr >> 8)
				response[p+1] = byte(eltAddr)
				if es.Full {
					response[p+2] = pg.fullFlags
				} else {
					response[p+2] = pg.emptyFlags
				}
				response[p+9] = byte9
				response[p+10] = byte(srcElt >> 8)
				response[p+11] = byte(srcElt)
				p += 12

				if pg.haveVoltags {
					if es.Full {
						copyTag(response[p:p+32], es.PVolTag)
						copyTag(response[p+36:p+68], es.AVolTag)
					} else {
						for k := 0; k < 32; k++ {
							response[p+k] = ' '
							response[p+36+k] = ' '
						}
					}
					p += 72
				}
			}
		}
	}

	reply.Status = statusGood
	reply.DataIn = response
}

// copyTag copia o voltag até o primeiro NUL, como gravado no estado.
func copyTag(dst []byte, tag [32]byte) {
	for k := 0; k < 32; k++ {
		if tag[k] == 0 {
			break
		}
		dst[k] = tag[k]
	}
}

func (a *Agent) moveMedium(req *protocol.ScsiExecuteCdbRequest, reply *protocol.ScsiExecuteCdbReply) {
	cdb := req.CDB
	if len(cdb) != 12 {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidFieldInCDB)
		return
	}
	mte := (int(cdb[2]) << 8) + int(cdb[3])
	src := (int(cdb[4]) << 8) + int(cdb[5])
	dest := (int(cdb[6]) << 8) + int(cdb[7])

	if !isMTE(mte) {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidElementAddress)
		return
	}

	rs := a.loadState()
	if !a.move(rs, src, dest) {
		a.failWithSense(reply, senseKeyIllegalRequest, asqInvalidElementAddress)
		return
	}
	a.saveState(rs)

	reply.Status = statusGood
}

// element resolve um endereço para (estado, arquivo de mídia).
func (a *Agent) element(rs *robotState, addr int) (*elementState, string) {
	switch {
	case isIE(addr):
		return &rs.IE[addr-ieFirst], filepath.Join(a.dir, fmt.Sprintf("ie%d", addr-ieFirst))
	case isDTE(addr):
		return &rs.DTE[addr-dteFirst], filepath.Join(a.dir, fmt.Sprintf("drive%d", addr-dteFirst))
	case isStorage(addr):
		return &rs.Storage[addr-storageFirst], filepath.Join(a.dir, fmt.Sprintf("slot%d", addr-storageFirst))
	}
	return nil, ""
}

// move transfere a mídia de src para dest, movendo o arquivo de volume
// junto e invalidando hints de posição antigos.
func (a *Agent) move(rs *robotState, src, dest int) bool {
	a.log.Debug("moving medium", "src", src, "dest", dest)

	srcElt, srcFile := a.element(rs, src)
	if srcElt == nil {
		a.log.Debug("invalid src address", "addr", src)
		return false
	}
	destElt, destFile := a.element(rs, dest)
	if destElt == nil {
		a.log.Debug("invalid dest address", "addr", dest)
		return false
	}

	if !srcElt.Full {
		a.log.Debug("src not full", "addr", src)
		return false
	}
	if destElt.Full {
		a.log.Debug("dest full", "addr", dest)
		return false
	}

	// Remove o destino, se existir
	if _, err := os.Stat(destFile); err == nil {
		if err := os.Remove(destFile); err != nil {
			a.log.Error("error unlinking", "path", destFile, "error", err)
			return false
		}
	}

	// Move o arquivo de volume, ou cria um vazio no destino
	if _, err := os.Stat(srcFile); err == nil {
		if err := os.Rename(srcFile, destFile); err != nil {
			a.log.Error("error renaming", "src", srcFile, "dest", destFile, "error", err)
			return false
		}
	} else {
		f, err := os.OpenFile(destFile, os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			a.log.Error("error touching", "path", destFile, "error", err)
			return false
		}
		f.Close()
	}

	// Hints de posição de tape drives ficam inválidos após o move
	os.Remove(srcFile + ".pos")
	os.Remove(destFile + ".pos")

	*destElt = *srcElt
	destElt.SourceElement = uint16(src)
	srcElt.Full = false

	a.log.Debug("move successful", "src", src, "dest", dest)
	return true
}
