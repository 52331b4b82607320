// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-ndmp/internal/channel"
	"github.com/nishisan-dev/n-ndmp/internal/config"
	"github.com/nishisan-dev/n-ndmp/internal/protocol"
	"golang.org/x/sys/unix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPeer faz o papel do DMA: fala o wire protocol com a sessão pelo
// outro lado de um socketpair.
type testPeer struct {
	t     *testing.T
	fd    int
	defr  protocol.Deframer
	seq   uint32
	notes []*Message
}

func startSession(t *testing.T, cfg *config.DaemonConfig) *testPeer {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	ch, err := channel.NewFromFd("control", fds[0], channel.DefaultBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	conn := NewConnection(testLogger(), ch)
	sess := New(testLogger(), cfg, conn, net.IPv4(127, 0, 0, 1))
	go sess.Run()

	tv := unix.Timeval{Sec: 10}
	unix.SetsockoptTimeval(fds[1], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	peer := &testPeer{t: t, fd: fds[1]}
	t.Cleanup(func() { unix.Close(peer.fd) })
	return peer
}

// read devolve a próxima mensagem do wire (bloqueante, com timeout).
func (p *testPeer) read() *Message {
	p.t.Helper()
	buf := make([]byte, 16*1024)
	for {
		payload, err := p.defr.Next()
		if err != nil {
			p.t.Fatalf("deframe: %v", err)
		}
		if payload != nil {
			d := protocol.NewDecoder(payload)
			h := protocol.DecodeHeader(d)
			msg := &Message{Header: h}
			if body, err := protocol.NewBody(h.Code, h.Type); err == nil {
				body.Decode(d)
				if derr := d.Err(); derr != nil {
					p.t.Fatalf("decode %#x: %v", uint32(h.Code), derr)
				}
				msg.Body = body
			}
			return msg
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil || n == 0 {
			p.t.Fatalf("peer read: n=%d err=%v", n, err)
		}
		p.defr.Feed(buf[:n])
	}
}

// call emite um request e espera o reply casado, guardando as
// notificações que chegarem no meio.
func (p *testPeer) call(code protocol.Msg, body protocol.Body) *Message {
	p.t.Helper()
	p.seq++
	h := protocol.Header{
		Sequence:  p.seq,
		TimeStamp: uint32(time.Now().Unix()),
		Type:      protocol.MsgRequest,
		Code:      code,
	}
	frame := protocol.Marshal(h, body)
	for len(frame) > 0 {
		n, err := unix.Write(p.fd, frame)
		if err != nil {
			p.t.Fatalf("peer write: %v", err)
		}
		frame = frame[n:]
	}

	for {
		msg := p.read()
		if msg.Header.Type == protocol.MsgReply {
			if msg.Header.Code != code || msg.Header.ReplySequence != p.seq {
				p.t.Fatalf("unexpected reply %#x to seq %d", uint32(msg.Header.Code), msg.Header.ReplySequence)
			}
			return msg
		}
		p.notes = append(p.notes, msg)
	}
}

// waitNote espera uma notificação específica chegar.
func (p *testPeer) waitNote(code protocol.Msg) *Message {
	p.t.Helper()
	for _, n := range p.notes {
		if n.Header.Code == code {
			return n
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := p.read()
		if msg.Header.Type == protocol.MsgRequest {
			p.notes = append(p.notes, msg)
			if msg.Header.Code == code {
				return msg
			}
		}
	}
	p.t.Fatalf("notification %#x never arrived", uint32(code))
	return nil
}

func (p *testPeer) expectNoErr(code protocol.Msg, body protocol.Body) {
	p.t.Helper()
	reply := p.call(code, body)
	er, ok := reply.Body.(*protocol.ErrorReply)
	if !ok {
		p.t.Fatalf("reply to %#x has body %T", uint32(code), reply.Body)
	}
	if er.Error != protocol.NoErr {
		p.t.Fatalf("%#x returned %v", uint32(code), er.Error)
	}
}

func newTapePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.sim")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSession_LocalLoopBackupEndToEnd(t *testing.T) {
	cfg := config.Default()
	peer := startSession(t, cfg)
	tapePath := newTapePath(t)

	// O servidor anuncia a versão máxima logo no accept
	note := peer.waitNote(protocol.MsgNotifyConnected)
	if nc := note.Body.(*protocol.NotifyConnectedRequest); nc.Version != 4 {
		t.Fatalf("announced version = %d, want 4", nc.Version)
	}

	peer.expectNoErr(protocol.MsgConnectOpen, &protocol.ConnectOpenRequest{Version: 4})
	peer.expectNoErr(protocol.MsgTapeOpen, &protocol.TapeOpenRequest{Device: tapePath, Mode: protocol.TapeRDWRMode})
	peer.expectNoErr(protocol.MsgMoverSetRecordSize, &protocol.MoverSetRecordSizeRequest{Len: 512})
	peer.expectNoErr(protocol.MsgMoverSetWindow, &protocol.MoverSetWindowRequest{Offset: 0, Length: 1 << 30})

	listenReply := peer.call(protocol.MsgMoverListen, &protocol.MoverListenRequest{
		Mode:     protocol.MoverModeRead,
		AddrType: protocol.AddrLocal,
	}).Body.(*protocol.MoverListenReply)
	if listenReply.Error != protocol.NoErr || listenReply.Addr.Type != protocol.AddrLocal {
		t.Fatalf("mover listen = %+v", listenReply)
	}

	peer.expectNoErr(protocol.MsgDataStartBackup, &protocol.DataStartBackupRequest{
		BuType: "null",
		Env:    []protocol.Pair{{Name: "NULL_SIZE", Value: fmt.Sprint(1 << 20)}},
		Addr:   protocol.Addr{Type: protocol.AddrLocal},
	})

	halted := peer.waitNote(protocol.MsgNotifyMoverHalted)
	if hr := halted.Body.(*protocol.NotifyMoverHaltedRequest); hr.Reason != protocol.MoverHaltConnectClosed {
		t.Fatalf("halt reason = %v, want CONNECT_CLOSED", hr.Reason)
	}
	peer.waitNote(protocol.MsgNotifyDataHalted)

	mover := peer.call(protocol.MsgMoverGetState, nil).Body.(*protocol.MoverGetStateReply)
	if mover.State != protocol.MoverHalted || mover.HaltReason != protocol.MoverHaltConnectClosed {
		t.Fatalf("mover state = %+v", mover)
	}
	if mover.BytesMoved != 1<<20 {
		t.Fatalf("bytes_moved = %d, want %d", mover.BytesMoved, 1<<20)
	}

	tapeState := peer.call(protocol.MsgTapeGetState, nil).Body.(*protocol.TapeGetStateReply)
	if tapeState.Error != protocol.NoErr || tapeState.Blockno != 2048 {
		t.Fatalf("tape state = %+v", tapeState)
	}

	peer.expectNoErr(protocol.MsgMoverStop, nil)
	peer.expectNoErr(protocol.MsgTapeClose, nil)
}

func TestSession_TapeReadWriteOverWire(t *testing.T) {
	cfg := config.Default()
	peer := startSession(t, cfg)
	tapePath := newTapePath(t)

	peer.expectNoErr(protocol.MsgConnectOpen, &protocol.ConnectOpenRequest{Version: 4})
	peer.expectNoErr(protocol.MsgTapeOpen, &protocol.TapeOpenRequest{Device: tapePath, Mode: protocol.TapeRDWRMode})

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	wr := peer.call(protocol.MsgTapeWrite, &protocol.TapeWriteRequest{Data: payload}).Body.(*protocol.TapeWriteReply)
	if wr.Error != protocol.NoErr || wr.Count != 1024 {
		t.Fatalf("tape write = %+v", wr)
	}

	mt := peer.call(protocol.MsgTapeMtio, &protocol.TapeMtioRequest{Op: protocol.MtioBSR, Count: 1}).Body.(*protocol.TapeMtioReply)
	if mt.Error != protocol.NoErr || mt.Resid != 0 {
		t.Fatalf("mtio = %+v", mt)
	}

	rd := peer.call(protocol.MsgTapeRead, &protocol.TapeReadRequest{Count: 1024}).Body.(*protocol.TapeReadReply)
	if rd.Error != protocol.NoErr || len(rd.Data) != 1024 {
		t.Fatalf("tape read = err %v, %d bytes", rd.Error, len(rd.Data))
	}
	for i, b := range rd.Data {
		if b != byte(i) {
			t.Fatalf("byte %d = %#x", i, b)
		}
	}

	peer.expectNoErr(protocol.MsgTapeClose, nil)
}

func TestSession_MD5Authentication(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Mode = "md5"
	cfg.Auth.Users = map[string]string{"ndmp": "s3cr3t"}
	peer := startSession(t, cfg)
	tapePath := newTapePath(t)

	peer.expectNoErr(protocol.MsgConnectOpen, &protocol.ConnectOpenRequest{Version: 4})

	// Antes da auth, operações de tape são recusadas
	reply := peer.call(protocol.MsgTapeOpen, &protocol.TapeOpenRequest{Device: tapePath, Mode: protocol.TapeReadMode})
	if er := reply.Body.(*protocol.ErrorReply); er.Error != protocol.NotAuthorizedErr {
		t.Fatalf("pre-auth tape open = %v, want NOT_AUTHORIZED_ERR", er.Error)
	}

	info := peer.call(protocol.MsgConfigGetServerInfo, nil).Body.(*protocol.ConfigGetServerInfoReply)
	if info.Error != protocol.NoErr || len(info.AuthTypes) == 0 || info.AuthTypes[0] != protocol.AuthMD5 {
		t.Fatalf("server info = %+v", info)
	}

	attr := peer.call(protocol.MsgConfigGetAuthAttr, &protocol.ConfigGetAuthAttrRequest{AuthType: protocol.AuthMD5}).Body.(*protocol.ConfigGetAuthAttrReply)
	if attr.Error != protocol.NoErr {
		t.Fatalf("auth attr = %v", attr.Error)
	}

	// Digest errado é recusado
	var bad [16]byte
	reply = peer.call(protocol.MsgConnectClientAuth, &protocol.ConnectClientAuthRequest{
		AuthType: protocol.AuthMD5,
		Name:     "ndmp",
		Digest:   bad,
	})
	if er := reply.Body.(*protocol.ErrorReply); er.Error != protocol.NotAuthorizedErr {
		t.Fatalf("bad digest = %v, want NOT_AUTHORIZED_ERR", er.Error)
	}

	// Um digest correto precisa de um challenge novo
	attr = peer.call(protocol.MsgConfigGetAuthAttr, &protocol.ConfigGetAuthAttrRequest{AuthType: protocol.AuthMD5}).Body.(*protocol.ConfigGetAuthAttrReply)
	digest := protocol.MD5Digest("s3cr3t", attr.Challenge)
	peer.expectNoErr(protocol.MsgConnectClientAuth, &protocol.ConnectClientAuthRequest{
		AuthType: protocol.AuthMD5,
		Name:     "ndmp",
		Digest:   digest,
	})

	peer.expectNoErr(protocol.MsgTapeOpen, &protocol.TapeOpenRequest{Device: tapePath, Mode: protocol.TapeReadMode})
	peer.expectNoErr(protocol.MsgTapeClose, nil)
}

func TestSession_VersionGating(t *testing.T) {
	cfg := config.Default()
	peer := startSession(t, cfg)

	peer.expectNoErr(protocol.MsgConnectOpen, &protocol.ConnectOpenRequest{Version: 2})

	reply := peer.call(protocol.MsgDataListen, &protocol.DataListenRequest{AddrType: protocol.AddrTCP})
	if lr := reply.Body.(*protocol.DataListenReply); lr.Error != protocol.NotSupportedErr {
		t.Fatalf("v2 DATA_LISTEN = %v, want NOT_SUPPORTED_ERR", lr.Error)
	}
}

func TestParseListen(t *testing.T) {
	ip, port, err := parseListen("127.0.0.1:10000")
	if err != nil || port != 10000 || ip != [4]byte{127, 0, 0, 1} {
		t.Fatalf("parse = %v %d %v", ip, port, err)
	}
	if _, _, err := parseListen("10000"); err == nil {
		t.Fatal("missing host accepted")
	}
	if _, _, err := parseListen("host:abc"); err == nil {
		t.Fatal("bad port accepted")
	}
	if ip, port, err = parseListen("0.0.0.0:10500"); err != nil || port != 10500 || ip != [4]byte{} {
		t.Fatalf("wildcard parse = %v %d %v", ip, port, err)
	}
}
