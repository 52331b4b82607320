// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implementa a sessão NDMP: a conexão RPC, o dispatcher
// de requests, o scheduler cooperativo de quantum e o daemon de escuta.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"golang.org/x/sys/unix"
)

// Erros da camada de conexão.
var (
	ErrCallPending = errors.New("session: another call is already in flight")
	ErrConnClosed  = errors.New("session: connection closed")
)

// Message é um request ou reply decodificado do wire.
type Message struct {
	Header protocol.Header
	Body   protocol.Body
}

// Connection é o peer RPC: um canal, o deframer, os contadores de
// sequência e o sub-estado de autenticação.
type Connection struct {
	log  *slog.Logger
	ch   *channel.Channel
	defr protocol.Deframer

	// Versão negociada no CONNECT_OPEN; antes disso assume a máxima.
	Version int
	opened  bool

	// Sub-estado de auth
	Authorized      bool
	challenge       [64]byte
	challengeIssued bool

	nextSeq uint32

	// No máximo uma chamada de saída em voo por direção
	callSeq     uint32
	callPending bool
	callReply   *Message

	staging [16 * 1024]byte
}

// NewConnection cria a conexão sobre o canal e o coloca em ModeRead.
func NewConnection(log *slog.Logger, ch *channel.Channel) *Connection {
	ch.SetMode(channel.ModeRead)
	return &Connection{
		log:     log.With("component", "connection"),
		ch:      ch,
		Version: protocol.VersionMax,
		nextSeq: 1,
	}
}

// Channel expõe o canal da conexão para o quantum da sessão.
func (c *Connection) Channel() *channel.Channel { return c.ch }

// EOF informa se o peer encerrou a conexão.
func (c *Connection) EOF() bool { return c.ch.EOF() && c.defr.Buffered() == 0 }

// Close encerra a conexão.
func (c *Connection) Close() { c.ch.Close() }

// SetOpened registra a negociação de versão.
func (c *Connection) SetOpened(version int) {
	c.Version = version
	c.opened = true
}

// Opened informa se o CONNECT_OPEN já aconteceu.
func (c *Connection) Opened() bool { return c.opened }

// IssueChallenge gera (e retém) o challenge MD5 desta conexão.
func (c *Connection) IssueChallenge() ([64]byte, error) {
	ch, err := protocol.NewChallenge()
	if err != nil {
		return ch, err
	}
	c.challenge = ch
	c.challengeIssued = true
	return ch, nil
}

// VerifyMD5 valida um digest contra o challenge emitido.
func (c *Connection) VerifyMD5(password string, digest [16]byte) bool {
	if !c.challengeIssued {
		return false
	}
	c.challengeIssued = false
	return protocol.VerifyMD5(password, c.challenge, digest)
}

// writeAll envia um frame completo com escrita bloqueante: mensagens de
// controle são pequenas e a ordem de replies/notificações importa mais
// que o paralelismo aqui.
func (c *Connection) writeAll(frame []byte) error {
	fd := c.ch.Fd()
	if fd < 0 {
		return ErrConnClosed
	}
	for len(frame) > 0 {
		n, err := unix.Write(fd, frame)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
				unix.Poll(fds, 1000)
				continue
			}
			return fmt.Errorf("session: writing frame: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

// SendRequest envia um request (notificações não têm reply).
func (c *Connection) SendRequest(code protocol.Msg, body protocol.Body) (uint32, error) {
	seq := c.nextSeq
	c.nextSeq++
	h := protocol.Header{
		Sequence:  seq,
		TimeStamp: uint32(time.Now().Unix()),
		Type:      protocol.MsgRequest,
		Code:      code,
	}
	return seq, c.writeAll(protocol.Marshal(h, body))
}

// SendReply envia o reply de um request. herr carrega erros de protocolo
// (decode, mensagem desconhecida); erros de operação viajam no corpo.
func (c *Connection) SendReply(req protocol.Header, herr protocol.Error, body protocol.Body) error {
	h := protocol.Header{
		Sequence:      c.nextSeq,
		TimeStamp:     uint32(time.Now().Unix()),
		Type:          protocol.MsgReply,
		Code:          req.Code,
		ReplySequence: req.Sequence,
		Error:         herr,
	}
	c.nextSeq++
	return c.writeAll(protocol.Marshal(h, body))
}

// Pump transfere bytes recebidos do ring para o deframer.
func (c *Connection) Pump() {
	for {
		n := c.ch.Peek(c.staging[:])
		if n == 0 {
			return
		}
		c.ch.Consume(int64(n))
		c.defr.Feed(c.staging[:n])
	}
}

// Next devolve a próxima mensagem completa decodificada, ou nil.
// Um corpo desconhecido volta como Message com Body nil e o erro.
func (c *Connection) Next() (*Message, error) {
	c.Pump()

	payload, err := c.defr.Next()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	d := protocol.NewDecoder(payload)
	h := protocol.DecodeHeader(d)

	msg := &Message{Header: h}

	body, err := protocol.NewBody(h.Code, h.Type)
	if err != nil {
		return msg, err
	}
	body.Decode(d)
	if err := d.Err(); err != nil {
		return msg, err
	}
	msg.Body = body
	return msg, nil
}

// deliverReply entrega um reply à chamada em voo, se casar a sequência.
func (c *Connection) deliverReply(m *Message) {
	if c.callPending && m.Header.ReplySequence == c.callSeq {
		c.callPending = false
		c.callReply = m
		return
	}
	c.log.Warn("unmatched reply discarded",
		"code", fmt.Sprintf("%#x", uint32(m.Header.Code)),
		"reply_sequence", m.Header.ReplySequence)
}

// Call emite um request e suspende a chamada via quantum loop da sessão
// até o reply casado chegar (a thread nunca bloqueia fora do wait
// central). Uma segunda chamada com outra em voo falha com o error Go
// ErrCallPending; nenhum código NDMP SEQUENCE_ERR é devolvido.
func (c *Connection) Call(sess *Session, code protocol.Msg, body protocol.Body) (*Message, error) {
	if c.callPending {
		return nil, ErrCallPending
	}

	seq, err := c.SendRequest(code, body)
	if err != nil {
		return nil, err
	}
	c.callSeq = seq
	c.callPending = true
	c.callReply = nil

	for c.callReply == nil {
		if c.EOF() {
			c.callPending = false
			return nil, ErrConnClosed
		}
		sess.Quantum(time.Second)
	}

	reply := c.callReply
	c.callReply = nil
	return reply, nil
}
