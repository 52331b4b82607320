// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package channel implementa o canal de bytes não-bloqueante do runtime:
// um ring buffer com contadores beg/end free-running e um quantum de
// poll(2) compartilhado entre todos os canais de uma sessão.
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Mode define como o quantum trata o fd do canal.
type Mode int

const (
	ModeClosed Mode = iota
	ModeRead        // poll de leitura; drena o socket para o ring
	ModeWrite       // poll de escrita; drena o ring para o socket
	ModeReadChk     // poll de leitura sem consumir (detecta close em idle)
	ModeListen      // poll de accept
)

// DefaultBufferSize é o tamanho default do ring (64 KiB).
const DefaultBufferSize = 64 * 1024

var errChannelClosed = errors.New("channel: closed")

// Channel é um canal de bytes bufferizado com estado explícito de
// ready/EOF/erro. Canais com fd < 0 são puramente em memória (loopback
// LOCAL) e não participam do poll.
type Channel struct {
	name string
	fd   int
	file *os.File // mantém vivo o fd quando veio de net.Conn

	mode Mode
	data []byte
	size uint64

	// Contadores absolutos (free-running). begIx é o consumidor,
	// endIx o produtor; ambos reduzidos módulo size no acesso.
	begIx uint64
	endIx uint64

	// Ready sinaliza ao dispatcher que chegaram bytes novos (ou um
	// accept pendente em ModeListen) desde o último quantum.
	Ready bool

	eof      bool
	savedErr error
}

// NewInMemory cria um canal em memória com o tamanho dado.
func NewInMemory(name string, size int64) *Channel {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Channel{
		name: name,
		fd:   -1,
		data: make([]byte, size),
		size: uint64(size),
	}
}

// NewFromFd cria um canal sobre um fd já aberto, colocado em modo
// não-bloqueante. O canal passa a ser dono do fd.
func NewFromFd(name string, fd int, size int64) (*Channel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("channel %s: set nonblock: %w", name, err)
	}
	ch := NewInMemory(name, size)
	ch.fd = fd
	return ch, nil
}

// NewFromConn cria um canal sobre uma net.Conn TCP aceita pelo daemon.
// O *os.File resultante de File() é retido para o fd não ser coletado.
func NewFromConn(name string, conn *net.TCPConn, size int64) (*Channel, error) {
	f, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("channel %s: extracting fd: %w", name, err)
	}
	// File() devolve um fd duplicado; a conn original não é mais usada.
	conn.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("channel %s: set nonblock: %w", name, err)
	}
	ch := NewInMemory(name, size)
	ch.fd = fd
	ch.file = f
	return ch, nil
}

// Name retorna o nome de debug do canal.
func (c *Channel) Name() string { return c.name }

// Mode retorna o modo corrente.
func (c *Channel) Mode() Mode { return c.mode }

// SetMode define o comportamento do canal no próximo quantum.
func (c *Channel) SetMode(m Mode) { c.mode = m }

// Fd expõe o fd do canal (ou -1 para canais em memória).
func (c *Channel) Fd() int { return c.fd }

// EOF informa se o canal viu fim de stream (ou erro terminal).
func (c *Channel) EOF() bool { return c.eof }

// SetEOF marca fim de stream produzido localmente (loopback LOCAL).
func (c *Channel) SetEOF() { c.eof = true }

// Err retorna o erro terminal do canal, se houver.
func (c *Channel) Err() error { return c.savedErr }

// setError registra um erro terminal e encerra o stream.
func (c *Channel) setError(err error) {
	if c.savedErr == nil {
		c.savedErr = err
	}
	c.eof = true
}

// NReady retorna quantos bytes estão prontos para consumo.
func (c *Channel) NReady() int64 { return int64(c.endIx - c.begIx) }

// NAvail retorna quanto espaço livre o ring tem para produção.
func (c *Channel) NAvail() int64 { return int64(c.size) - c.NReady() }

// Peek copia até len(p) bytes prontos sem consumi-los. Trata o wrap do
// ring com duas cópias quando necessário.
func (c *Channel) Peek(p []byte) int {
	n := int64(len(p))
	if r := c.NReady(); n > r {
		n = r
	}
	if n == 0 {
		return 0
	}
	start := c.begIx % c.size
	first := int64(c.size - start)
	if first >= n {
		copy(p, c.data[start:start+uint64(n)])
	} else {
		copy(p, c.data[start:])
		copy(p[first:], c.data[:n-first])
	}
	return int(n)
}

// Consume libera n bytes já processados pelo consumidor.
func (c *Channel) Consume(n int64) {
	if n > c.NReady() {
		n = c.NReady()
	}
	c.begIx += uint64(n)
}

// Append copia até len(p) bytes para o ring, retornando quantos couberam.
func (c *Channel) Append(p []byte) int {
	n := int64(len(p))
	if a := c.NAvail(); n > a {
		n = a
	}
	if n == 0 {
		return 0
	}
	start := c.endIx % c.size
	first := int64(c.size - start)
	if first >= n {
		copy(c.data[start:], p[:n])
	} else {
		copy(c.data[start:], p[:first])
		copy(c.data[:n-first], p[first:n])
	}
	c.endIx += uint64(n)
	return int(n)
}

// AppendZeros produz n bytes zero no ring (padding de record no EOF).
func (c *Channel) AppendZeros(n int64) int {
	if a := c.NAvail(); n > a {
		n = a
	}
	var total int64
	for total < n {
		start := c.endIx % c.size
		chunk := int64(c.size - start)
		if chunk > n-total {
			chunk = n - total
		}
		for i := uint64(0); i < uint64(chunk); i++ {
			c.data[start+i] = 0
		}
		c.endIx += uint64(chunk)
		total += chunk
	}
	return int(total)
}

// readableSlice retorna a fatia contígua pronta para escrita no fd.
func (c *Channel) readableSlice() []byte {
	start := c.begIx % c.size
	n := uint64(c.NReady())
	if max := c.size - start; n > max {
		n = max
	}
	return c.data[start : start+n]
}

// writableSlice retorna a fatia contígua livre para leitura do fd.
func (c *Channel) writableSlice() []byte {
	start := c.endIx % c.size
	n := uint64(c.NAvail())
	if max := c.size - start; n > max {
		n = max
	}
	return c.data[start : start+n]
}

// Accept aceita uma conexão pendente em um canal ModeListen e devolve o
// fd já em modo não-bloqueante.
func (c *Channel) Accept() (int, error) {
	if c.fd < 0 {
		return -1, errChannelClosed
	}
	nfd, _, err := unix.Accept(c.fd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}

// Close fecha o fd (se houver) e marca o canal como encerrado.
func (c *Channel) Close() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
		c.fd = -1
	} else if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	c.mode = ModeClosed
	c.eof = true
}

// Reset zera o ring e os flags para reuso do canal.
func (c *Channel) Reset() {
	c.begIx = 0
	c.endIx = 0
	c.eof = false
	c.savedErr = nil
	c.Ready = false
}

// String descreve o canal para logs de debug.
func (c *Channel) String() string {
	mode := [...]string{"closed", "read", "write", "readchk", "listen"}[c.mode]
	return fmt.Sprintf("%s fd=%d mode=%s ready=%d avail=%d eof=%v err=%v",
		c.name, c.fd, mode, c.NReady(), c.NAvail(), c.eof, c.savedErr)
}
