// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package channel

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// retryable identifica os errnos de retry que não derrubam o canal.
func retryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// Quantum espera prontidão em todos os canais com fd por até maxDelay e
// executa as syscalls de I/O possíveis antes de retornar. Canais em
// memória não participam do poll; a prontidão deles é observada pelos
// consumidores direto nos contadores do ring.
//
// Retorna true se algum canal progrediu (bytes movidos, EOF visto ou
// accept pendente sinalizado).
func Quantum(chans []*Channel, maxDelay time.Duration) bool {
	fds := make([]unix.PollFd, 0, len(chans))
	owners := make([]*Channel, 0, len(chans))

	for _, c := range chans {
		if c == nil || c.fd < 0 {
			continue
		}
		var events int16
		switch c.mode {
		case ModeRead:
			// Só vale a pena acordar se houver espaço no ring
			if c.NAvail() > 0 && !c.eof {
				events = unix.POLLIN
			}
		case ModeReadChk, ModeListen:
			if !c.eof {
				events = unix.POLLIN
			}
		case ModeWrite:
			if c.NReady() > 0 {
				events = unix.POLLOUT
			}
		}
		if events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: events})
		owners = append(owners, c)
	}

	timeoutMs := int(maxDelay / time.Millisecond)
	if len(fds) == 0 {
		// Nada pollável: ainda respeita o delay para não virar busy loop
		if timeoutMs > 0 {
			time.Sleep(maxDelay)
		}
		return false
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil && !retryable(err) {
		for _, c := range owners {
			c.setError(err)
		}
		return true
	}
	if n <= 0 {
		return false
	}

	did := false
	for i, pfd := range fds {
		c := owners[i]
		revents := pfd.Revents
		if revents == 0 {
			continue
		}

		switch c.mode {
		case ModeRead:
			if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if c.serviceRead() {
					did = true
				}
			}
		case ModeReadChk:
			if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				c.Ready = true
				did = true
			}
		case ModeListen:
			if revents&unix.POLLIN != 0 {
				c.Ready = true
				did = true
			}
			if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
				c.setError(errors.New("channel: listen socket error"))
				did = true
			}
		case ModeWrite:
			if revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
				if c.serviceWrite() {
					did = true
				}
			}
		}
	}
	return did
}

// serviceRead drena o fd para o ring até EAGAIN, EOF ou ring cheio.
func (c *Channel) serviceRead() bool {
	did := false
	for {
		buf := c.writableSlice()
		if len(buf) == 0 {
			return did
		}
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if retryable(err) {
				return did
			}
			c.setError(err)
			c.Ready = true
			return true
		}
		if n == 0 {
			c.eof = true
			c.Ready = true
			return true
		}
		c.endIx += uint64(n)
		c.Ready = true
		did = true
	}
}

// serviceWrite drena o ring para o fd até EAGAIN ou ring vazio.
func (c *Channel) serviceWrite() bool {
	did := false
	for {
		buf := c.readableSlice()
		if len(buf) == 0 {
			return did
		}
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			if retryable(err) {
				return did
			}
			c.setError(err)
			return true
		}
		c.begIx += uint64(n)
		did = true
	}
}
