// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stream implementa o image stream: o pipe de bytes entre o DATA
// agent e o MOVER, com transporte LOCAL (loopback em memória na mesma
// sessão) ou TCP (listen/accept/connect entre sessões).
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"golang.org/x/sys/unix"
)

// ConnectStatus é o estado de um endpoint do image stream.
type ConnectStatus int

const (
	StatusIdle ConnectStatus = iota
	StatusListen
	StatusAccepted
	StatusConnected
	StatusBotched
)

func (s ConnectStatus) String() string {
	return [...]string{"idle", "listen", "accepted", "connected", "botched"}[s]
}

// EndpointID identifica qual lado do stream está sendo operado.
type EndpointID int

const (
	DataEP EndpointID = iota
	TapeEP
)

// Endpoint guarda o estado de conexão de um lado do stream.
type Endpoint struct {
	Status ConnectStatus
}

// Erros do image stream.
var (
	ErrNotListening  = errors.New("stream: endpoint is not listening")
	ErrAlreadyActive = errors.New("stream: endpoint already active")
	ErrBadTransport  = errors.New("stream: transport mismatch")
)

// connectTimeout limita o connect de saída (MOVER_CONNECT/DATA_CONNECT).
const connectTimeout = 30 * time.Second

// ImageStream liga os dois endpoints por um único canal de bytes.
type ImageStream struct {
	Data Endpoint
	Tape Endpoint

	// Chan carrega os bytes do image propriamente dito. Em transporte
	// LOCAL é um ring compartilhado pelos dois agents; em TCP é o canal
	// do socket aceito/conectado.
	Chan *channel.Channel

	// ListenChan existe enquanto um endpoint TCP está em escuta.
	ListenChan *channel.Channel

	addr     protocol.Addr
	listenEP EndpointID
	bufSize  int64
}

// New cria um image stream ocioso com o tamanho de ring configurado.
func New(bufSize int64) *ImageStream {
	if bufSize <= 0 {
		bufSize = channel.DefaultBufferSize
	}
	return &ImageStream{bufSize: bufSize}
}

// EnsureBuffer garante que o ring comporta um record completo.
func (is *ImageStream) EnsureBuffer(recordSize int64) {
	if recordSize > is.bufSize {
		is.bufSize = recordSize
	}
}

func (is *ImageStream) endpoint(ep EndpointID) *Endpoint {
	if ep == DataEP {
		return &is.Data
	}
	return &is.Tape
}

func (is *ImageStream) peer(ep EndpointID) *Endpoint {
	if ep == DataEP {
		return &is.Tape
	}
	return &is.Data
}

// Addr devolve o endereço publicado pelo último Listen.
func (is *ImageStream) Addr() protocol.Addr { return is.addr }

// Listen coloca o endpoint em escuta. Para LOCAL não há socket: o
// endpoint fica LISTEN aguardando o Connect do outro lado na mesma
// sessão. Para TCP, abre um socket em porta efêmera e publica (ip, port);
// ip é o endereço local da conexão de controle, para o peer saber onde
// alcançar esta sessão.
func (is *ImageStream) Listen(ep EndpointID, addrType protocol.AddrType, localIP net.IP) (protocol.Addr, error) {
	e := is.endpoint(ep)
	if e.Status != StatusIdle {
		return protocol.Addr{}, ErrAlreadyActive
	}

	switch addrType {
	case protocol.AddrLocal:
		e.Status = StatusListen
		is.addr = protocol.Addr{Type: protocol.AddrLocal}
		return is.addr, nil

	case protocol.AddrTCP:
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return protocol.Addr{}, fmt.Errorf("stream: socket: %w", err)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sa := &unix.SockaddrInet4{Port: 0}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return protocol.Addr{}, fmt.Errorf("stream: bind: %w", err)
		}
		if err := unix.Listen(fd, 1); err != nil {
			unix.Close(fd)
			return protocol.Addr{}, fmt.Errorf("stream: listen: %w", err)
		}
		bound, err := unix.Getsockname(fd)
		if err != nil {
			unix.Close(fd)
			return protocol.Addr{}, fmt.Errorf("stream: getsockname: %w", err)
		}
		port := uint16(bound.(*unix.SockaddrInet4).Port)

		lch, err := channel.NewFromFd("image-listen", fd, 4096)
		if err != nil {
			unix.Close(fd)
			return protocol.Addr{}, err
		}
		lch.SetMode(channel.ModeListen)
		is.ListenChan = lch
		is.listenEP = ep
		e.Status = StatusListen

		ip := localIP.To4()
		var ipWord uint32
		if ip != nil {
			ipWord = binary.BigEndian.Uint32(ip)
		}
		is.addr = protocol.Addr{Type: protocol.AddrTCP, IP: ipWord, Port: port}
		return is.addr, nil
	}
	return protocol.Addr{}, ErrBadTransport
}

// Connect liga o endpoint ao peer. LOCAL exige o outro endpoint desta
// sessão em LISTEN; TCP disca para o endereço publicado pelo peer.
func (is *ImageStream) Connect(ep EndpointID, addr protocol.Addr) error {
	e := is.endpoint(ep)
	if e.Status != StatusIdle {
		return ErrAlreadyActive
	}

	switch addr.Type {
	case protocol.AddrLocal:
		p := is.peer(ep)
		if p.Status != StatusListen {
			return ErrNotListening
		}
		is.Chan = channel.NewInMemory("image-local", is.bufSize)
		e.Status = StatusAccepted
		p.Status = StatusAccepted
		is.addr = protocol.Addr{Type: protocol.AddrLocal}
		return nil

	case protocol.AddrTCP:
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], addr.IP)
		target := net.JoinHostPort(net.IP(ip[:]).String(), fmt.Sprintf("%d", addr.Port))
		conn, err := net.DialTimeout("tcp", target, connectTimeout)
		if err != nil {
			e.Status = StatusBotched
			return fmt.Errorf("stream: connect %s: %w", target, err)
		}
		tc := conn.(*net.TCPConn)
		_ = tc.SetNoDelay(true)
		ch, err := channel.NewFromConn("image-tcp", tc, is.bufSize)
		if err != nil {
			e.Status = StatusBotched
			return err
		}
		is.Chan = ch
		e.Status = StatusAccepted
		is.addr = addr
		return nil
	}
	return ErrBadTransport
}

// Quantum processa um accept pendente no listener TCP. Retorna true se
// houve progresso.
func (is *ImageStream) Quantum() bool {
	lch := is.ListenChan
	if lch == nil || !lch.Ready {
		return false
	}
	lch.Ready = false
	e := is.endpoint(is.listenEP)

	if lch.Err() != nil {
		e.Status = StatusBotched
		is.closeListener()
		return true
	}

	nfd, err := lch.Accept()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return false
		}
		e.Status = StatusBotched
		is.closeListener()
		return true
	}

	ch, err := channel.NewFromFd("image-tcp", nfd, is.bufSize)
	if err != nil {
		unix.Close(nfd)
		e.Status = StatusBotched
		is.closeListener()
		return true
	}
	is.Chan = ch
	e.Status = StatusAccepted
	is.closeListener()
	return true
}

// MarkConnected promove o endpoint para CONNECTED no primeiro I/O de
// bulk bem-sucedido.
func (is *ImageStream) MarkConnected(ep EndpointID) {
	e := is.endpoint(ep)
	if e.Status == StatusAccepted {
		e.Status = StatusConnected
	}
}

// SetChanMode define a direção do canal do stream para o pump.
func (is *ImageStream) SetChanMode(m channel.Mode) {
	if is.Chan != nil {
		is.Chan.SetMode(m)
	}
}

// CloseEndpoint encerra o lado ep. Quando os dois lados ficam ociosos o
// canal é fechado e descartado.
func (is *ImageStream) CloseEndpoint(ep EndpointID) {
	e := is.endpoint(ep)
	e.Status = StatusIdle
	if is.listenEP == ep {
		is.closeListener()
	}
	if is.Chan != nil {
		if is.peer(ep).Status == StatusIdle {
			is.Chan.Close()
			is.Chan = nil
		} else if is.Chan.Fd() < 0 {
			// No loopback LOCAL, fechar um lado é o EOF do outro
			is.Chan.SetEOF()
		}
	}
}

// Decommission libera todos os recursos do stream.
func (is *ImageStream) Decommission() {
	is.closeListener()
	if is.Chan != nil {
		is.Chan.Close()
		is.Chan = nil
	}
	is.Data.Status = StatusIdle
	is.Tape.Status = StatusIdle
	is.addr = protocol.Addr{}
}

func (is *ImageStream) closeListener() {
	if is.ListenChan != nil {
		is.ListenChan.Close()
		is.ListenChan = nil
	}
}

// Channels devolve os canais vivos do stream para o quantum da sessão.
func (is *ImageStream) Channels() []*channel.Channel {
	var out []*channel.Channel
	if is.ListenChan != nil {
		out = append(out, is.ListenChan)
	}
	if is.Chan != nil {
		out = append(out, is.Chan)
	}
	return out
}
