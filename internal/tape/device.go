// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package tape implementa o tape device (abstração + simulador em
// arquivo), o TAPE agent e o mover com seu data pump.
package tape

import "github.com/nishisan-dev/n-ndmp/internal/protocol"

// State é o snapshot dos contadores publicamente visíveis do device.
type State struct {
	FileNum    uint32
	Blockno    uint32
	SoftErrors uint32
	BlockSize  uint32

	// TotalSpace/SpaceRemain só são válidos quando o device tem limite
	// físico configurado.
	HaveSpace   bool
	TotalSpace  int64
	SpaceRemain int64
}

// Device é a fita abstrata: blocos posicionáveis, filemarks e sinalização
// de EOM/LEOM. Todas as operações devolvem um código de erro NDMP; o
// pump converte esses códigos em transições do mover.
type Device interface {
	// Open abre o device no path. write pede modo leitura+escrita.
	Open(path string, write bool) protocol.Error

	// Close fecha o device, descarregando um WEOF pendente.
	Close() protocol.Error

	// Mtio executa count iterações da operação de posicionamento e
	// devolve o residual não realizado (EOF/EOM param a contagem).
	Mtio(op protocol.MtioOp, count uint32) (resid uint32, err protocol.Error)

	// Read lê até len(buf) bytes do record corrente. Qualquer gap que
	// não seja DATA devolve EOF com done == 0 sem avançar a posição.
	Read(buf []byte) (done int, err protocol.Error)

	// Write grava um record de len(buf) bytes. Pode devolver EOM (LEOM,
	// uma vez; no simulador cada passo de FSF/BSF/FSR/BSR rearma o aviso)
	// ou IO (PEOM excedido).
	Write(buf []byte) (done int, err protocol.Error)

	// WFM grava um filemark, avança file_num e zera blockno.
	WFM() protocol.Error

	// SyncState atualiza e devolve os contadores visíveis.
	SyncState() State

	// IsOpen informa se o device está aberto.
	IsOpen() bool

	// SpaceLow informa se a posição corrente já cruzou a margem de LEOM
	// (fita efetivamente sem espaço até nova operação de posicionamento).
	SpaceLow() bool
}
