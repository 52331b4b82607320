// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package robot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// O estado do changer persiste em <dir>/state com serialização
// little-endian de largura fixa por elemento (nunca dump de struct):
//   u8 full, u8 medium_type, u16 source_element, 32B pvoltag, 32B avoltag
// na ordem MTE, storage, i/e, DTE.

const elementRecLen = 1 + 1 + 2 + 32 + 32

const stateLen = elementRecLen * (mteCount + storageCount + ieCount + dteCount)

func (a *Agent) statePath() string { return filepath.Join(a.dir, "state") }

// initState inventa o inventário default: slots de storage cheios com
// voltags sintéticos, i/e e drives vazios.
func initState(rs *robotState) {
	*rs = robotState{}

	for i := range rs.Storage {
		es := &rs.Storage[i]
		es.Full = true
		es.MediumType = 1 // data
		copy(es.PVolTag[:], fmt.Sprintf("PTAG%02XXX", i))
		copy(es.AVolTag[:], fmt.Sprintf("ATAG%02XXX", i))
	}
}

func marshalElement(b []byte, es *elementState) {
	if es.Full {
		b[0] = 1
	} else {
		b[0] = 0
	}
	b[1] = es.MediumType
	binary.LittleEndian.PutUint16(b[2:], es.SourceElement)
	copy(b[4:36], es.PVolTag[:])
	copy(b[36:68], es.AVolTag[:])
}

func unmarshalElement(b []byte, es *elementState) {
	es.Full = b[0] != 0
	es.MediumType = b[1]
	es.SourceElement = binary.LittleEndian.Uint16(b[2:])
	copy(es.PVolTag[:], b[4:36])
	copy(es.AVolTag[:], b[36:68])
}

func (rs *robotState) elements() []*elementState {
	out := make([]*elementState, 0, mteCount+storageCount+ieCount+dteCount)
	for i := range rs.MTE {
		out = append(out, &rs.MTE[i])
	}
	for i := range rs.Storage {
		out = append(out, &rs.Storage[i])
	}
	for i := range rs.IE {
		out = append(out, &rs.IE[i])
	}
	for i := range rs.DTE {
		out = append(out, &rs.DTE[i])
	}
	return out
}

// loadState lê o estado persistido; qualquer problema recomeça do
// inventário default.
func (a *Agent) loadState() *robotState {
	rs := &robotState{}

	data, err := os.ReadFile(a.statePath())
	if err != nil || len(data) < stateLen {
		initState(rs)
		return rs
	}

	off := 0
	for _, es := range rs.elements() {
		unmarshalElement(data[off:off+elementRecLen], es)
		off += elementRecLen
	}
	return rs
}

// saveState grava o estado completo de volta no diretório.
func (a *Agent) saveState(rs *robotState) {
	data := make([]byte, stateLen)
	off := 0
	for _, es := range rs.elements() {
		marshalElement(data[off:off+elementRecLen], es)
		off += elementRecLen
	}
	if err := os.WriteFile(a.statePath(), data, 0666); err != nil {
		a.log.Error("saving robot state", "error", err)
	}
}
