// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encoder serializa primitivas XDR (big-endian, unidades de 4 bytes) em um
// buffer em memória. Os appenders nunca falham; o resultado sai por Bytes().
type Encoder struct {
	buf []byte
}

// NewEncoder cria um Encoder vazio.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 128)}
}

// Bytes retorna o conteúdo serializado.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len retorna o tamanho serializado até aqui.
func (e *Encoder) Len() int { return len(e.buf) }

// U32 escreve um unsigned int de 32 bits.
func (e *Encoder) U32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// U64 escreve um unsigned hyper de 64 bits.
func (e *Encoder) U64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// Bool escreve um bool XDR (u32 0/1).
func (e *Encoder) Bool(v bool) {
	if v {
		e.U32(1)
	} else {
		e.U32(0)
	}
}

// Str escreve uma string XDR: length + bytes + padding até múltiplo de 4.
func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.pad(len(s))
}

// Opaque escreve um opaque de tamanho variável: length + bytes + padding.
func (e *Encoder) Opaque(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	e.pad(len(b))
}

// Fixed escreve um opaque de tamanho fixo (sem length, com padding).
func (e *Encoder) Fixed(b []byte) {
	e.buf = append(e.buf, b...)
	e.pad(len(b))
}

func (e *Encoder) pad(n int) {
	for n%4 != 0 {
		e.buf = append(e.buf, 0)
		n++
	}
}

// Decoder consome primitivas XDR de um frame já completo. O primeiro erro
// é retido e curto-circuita as leituras seguintes.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder cria um Decoder sobre o frame.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err retorna o primeiro erro de decodificação, ou nil.
func (d *Decoder) Err() error { return d.err }

// Remaining retorna quantos bytes ainda não foram consumidos.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrShortDecode, n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) skipPad(n int) {
	if rem := n % 4; rem != 0 {
		d.take(4 - rem)
	}
}

// U32 lê um unsigned int de 32 bits.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// U64 lê um unsigned hyper de 64 bits.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bool lê um bool XDR.
func (d *Decoder) Bool() bool { return d.U32() != 0 }

// Str lê uma string XDR.
func (d *Decoder) Str() string {
	n := int(d.U32())
	if d.err != nil {
		return ""
	}
	if n > d.Remaining() {
		d.err = fmt.Errorf("%w: string length %d exceeds frame", ErrShortDecode, n)
		return ""
	}
	b := d.take(n)
	d.skipPad(n)
	return string(b)
}

// Opaque lê um opaque de tamanho variável. O slice retornado é uma cópia.
func (d *Decoder) Opaque() []byte {
	n := int(d.U32())
	if d.err != nil {
		return nil
	}
	if n > d.Remaining() {
		d.err = fmt.Errorf("%w: opaque length %d exceeds frame", ErrShortDecode, n)
		return nil
	}
	b := d.take(n)
	d.skipPad(n)
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Fixed lê um opaque de tamanho fixo (com padding).
func (d *Decoder) Fixed(n int) []byte {
	b := d.take(n)
	d.skipPad(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
