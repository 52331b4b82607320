// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/nishisan-dev/n-ndmp/internal/protocol"
)

// Identificação publicada no CONFIG_GET_SERVER_INFO.
const (
	serverVendor   = "Nishisan"
	serverProduct  = "n-ndmp"
	serverRevision = "1.0.0"
)

// preAuthAllowed lista as mensagens aceitas antes da autenticação.
func preAuthAllowed(code protocol.Msg) bool {
	switch code {
	case protocol.MsgConnectOpen, protocol.MsgConnectClientAuth, protocol.MsgConnectClose,
		protocol.MsgConfigGetServerInfo, protocol.MsgConfigGetAuthAttr:
		return true
	}
	return false
}

// replyError responde com o corpo zero-preenchido do tipo certo para a
// mensagem, só com o erro setado.
func (s *Session) replyError(c *Connection, h protocol.Header, perr protocol.Error) {
	body, err := protocol.NewBody(h.Code, protocol.MsgReply)
	if err != nil {
		c.SendReply(h, perr, nil)
		return
	}
	if es, ok := body.(protocol.ErrorSetter); ok {
		es.SetError(perr)
	}
	c.SendReply(h, protocol.NoErr, body)
}

// dispatchConn processa todas as mensagens completas pendentes na
// conexão, uma por vez.
func (s *Session) dispatchConn(c *Connection) {
	for {
		msg, err := c.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) {
				s.log.Warn("unknown message", "code", fmt.Sprintf("%#x", uint32(msg.Header.Code)))
				if msg.Header.Type == protocol.MsgRequest {
					c.SendReply(msg.Header, protocol.NotSupportedErr, nil)
				}
				continue
			}
			s.log.Error("dropping connection on protocol error", "error", err)
			c.Close()
			return
		}
		if msg == nil {
			return
		}

		if msg.Header.Type == protocol.MsgReply {
			c.deliverReply(msg)
			continue
		}

		s.handleRequest(c, msg)
	}
}

// handleRequest aplica os gates de versão e autorização e despacha o
// request para o agent dono da mensagem.
func (s *Session) handleRequest(c *Connection, msg *Message) {
	h := msg.Header
	code := h.Code

	if !code.SupportedIn(c.Version) {
		s.replyError(c, h, protocol.NotSupportedErr)
		return
	}

	if s.cfg.Auth.Mode != "none" && !c.Authorized && !preAuthAllowed(code) {
		s.replyError(c, h, protocol.NotAuthorizedErr)
		return
	}

	switch code {
	// CONNECT -----------------------------------------------------------
	case protocol.MsgConnectOpen:
		req := msg.Body.(*protocol.ConnectOpenRequest)
		version, ok := protocol.NegotiateVersion(int(req.Version), s.cfg.Agent.MaxVersion)
		if !ok {
			c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: protocol.IllegalArgsErr})
			return
		}
		if c.Opened() {
			c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: protocol.IllegalStateErr})
			return
		}
		c.SetOpened(version)
		if s.cfg.Auth.Mode == "none" {
			c.Authorized = true
		}
		s.log.Info("protocol version negotiated", "version", version)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: protocol.NoErr})

	case protocol.MsgConnectClientAuth:
		req := msg.Body.(*protocol.ConnectClientAuthRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.authenticate(c, req)})

	case protocol.MsgConnectClose:
		// Sem reply: a conexão simplesmente encerra
		c.Close()

	// CONFIG ------------------------------------------------------------
	case protocol.MsgConfigGetHostInfo:
		hostname, _ := os.Hostname()
		c.SendReply(h, protocol.NoErr, &protocol.ConfigGetHostInfoReply{
			Error:    protocol.NoErr,
			Hostname: hostname,
			OSType:   runtime.GOOS,
			OSVers:   runtime.GOARCH,
			HostID:   hostname,
		})

	case protocol.MsgConfigGetConnectionType:
		c.SendReply(h, protocol.NoErr, &protocol.ConfigGetConnectionTypeReply{
			Error:     protocol.NoErr,
			AddrTypes: []protocol.AddrType{protocol.AddrLocal, protocol.AddrTCP},
		})

	case protocol.MsgConfigGetServerInfo:
		reply := &protocol.ConfigGetServerInfoReply{
			Error:    protocol.NoErr,
			Vendor:   serverVendor,
			Product:  serverProduct,
			Revision: serverRevision,
		}
		switch s.cfg.Auth.Mode {
		case "none":
			reply.AuthTypes = []protocol.AuthType{protocol.AuthNone}
		case "text":
			reply.AuthTypes = []protocol.AuthType{protocol.AuthText}
		case "md5":
			reply.AuthTypes = []protocol.AuthType{protocol.AuthMD5, protocol.AuthText}
		}
		c.SendReply(h, protocol.NoErr, reply)

	case protocol.MsgConfigGetAuthAttr:
		req := msg.Body.(*protocol.ConfigGetAuthAttrRequest)
		reply := &protocol.ConfigGetAuthAttrReply{AuthType: req.AuthType}
		if req.AuthType != protocol.AuthMD5 {
			reply.Error = protocol.IllegalArgsErr
		} else if challenge, err := c.IssueChallenge(); err != nil {
			reply.Error = protocol.UndefinedErr
		} else {
			reply.Challenge = challenge
		}
		c.SendReply(h, protocol.NoErr, reply)

	// TAPE --------------------------------------------------------------
	case protocol.MsgTapeOpen:
		req := msg.Body.(*protocol.TapeOpenRequest)
		err := s.TapeAgent.TapeOpen(req.Device, req.Mode)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: err})

	case protocol.MsgTapeClose:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.TapeClose()})

	case protocol.MsgTapeGetState:
		reply := s.TapeAgent.TapeGetState()
		c.SendReply(h, protocol.NoErr, &reply)

	case protocol.MsgTapeMtio:
		req := msg.Body.(*protocol.TapeMtioRequest)
		resid, err := s.TapeAgent.TapeMtio(req.Op, req.Count)
		c.SendReply(h, protocol.NoErr, &protocol.TapeMtioReply{Error: err, Resid: resid})

	case protocol.MsgTapeWrite:
		req := msg.Body.(*protocol.TapeWriteRequest)
		count, err := s.TapeAgent.TapeWrite(req.Data)
		c.SendReply(h, protocol.NoErr, &protocol.TapeWriteReply{Error: err, Count: count})

	case protocol.MsgTapeRead:
		req := msg.Body.(*protocol.TapeReadRequest)
		buf, err := s.TapeAgent.TapeRead(req.Count)
		c.SendReply(h, protocol.NoErr, &protocol.TapeReadReply{Error: err, Data: buf})

	// MOVER -------------------------------------------------------------
	case protocol.MsgMoverGetState:
		reply := s.TapeAgent.MoverGetState()
		c.SendReply(h, protocol.NoErr, &reply)

	case protocol.MsgMoverListen:
		req := msg.Body.(*protocol.MoverListenRequest)
		addr, err := s.TapeAgent.MoverListen(req.Mode, req.AddrType, s.LocalIP)
		c.SendReply(h, protocol.NoErr, &protocol.MoverListenReply{Error: err, Addr: addr})

	case protocol.MsgMoverConnect:
		req := msg.Body.(*protocol.MoverConnectRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverConnect(req.Mode, req.Addr)})

	case protocol.MsgMoverContinue:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverContinue()})

	case protocol.MsgMoverAbort:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverAbort()})

	case protocol.MsgMoverStop:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverStop()})

	case protocol.MsgMoverSetWindow:
		req := msg.Body.(*protocol.MoverSetWindowRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverSetWindow(req.Offset, req.Length)})

	case protocol.MsgMoverRead:
		req := msg.Body.(*protocol.MoverReadRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverRead(req.Offset, req.Length)})

	case protocol.MsgMoverSetRecordSize:
		req := msg.Body.(*protocol.MoverSetRecordSizeRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverSetRecordSize(req.Len)})

	case protocol.MsgMoverClose:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.TapeAgent.MoverCloseOp()})

	// DATA --------------------------------------------------------------
	case protocol.MsgDataGetState:
		reply := s.DataAgent.DataGetState()
		c.SendReply(h, protocol.NoErr, &reply)

	case protocol.MsgDataListen:
		req := msg.Body.(*protocol.DataListenRequest)
		addr, err := s.DataAgent.DataListen(req.AddrType, s.LocalIP)
		c.SendReply(h, protocol.NoErr, &protocol.DataListenReply{Error: err, Addr: addr})

	case protocol.MsgDataConnect:
		req := msg.Body.(*protocol.DataConnectRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataConnect(req.Addr)})

	case protocol.MsgDataStartBackup:
		req := msg.Body.(*protocol.DataStartBackupRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataStartBackup(req)})

	case protocol.MsgDataStartRecover:
		req := msg.Body.(*protocol.DataStartRecoverRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataStartRecover(req, false)})

	case protocol.MsgDataStartRecoverFilehist:
		req := msg.Body.(*protocol.DataStartRecoverRequest)
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataStartRecover(req, true)})

	case protocol.MsgDataAbort:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataAbort()})

	case protocol.MsgDataStop:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.DataAgent.DataStop()})

	case protocol.MsgDataGetEnv:
		reply := s.DataAgent.DataGetEnv()
		c.SendReply(h, protocol.NoErr, &reply)

	// SCSI (robot) ------------------------------------------------------
	case protocol.MsgScsiOpen:
		req := msg.Body.(*protocol.ScsiOpenRequest)
		if s.cfg.Robot.Dir != "" && req.Device != s.cfg.Robot.Dir {
			c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: protocol.NoDeviceErr})
			return
		}
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.RobotAgent.ScsiOpen(req.Device)})

	case protocol.MsgScsiClose:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.RobotAgent.ScsiClose()})

	case protocol.MsgScsiResetDevice:
		c.SendReply(h, protocol.NoErr, &protocol.ErrorReply{Error: s.RobotAgent.ScsiResetDevice()})

	case protocol.MsgScsiExecuteCdb:
		req := msg.Body.(*protocol.ScsiExecuteCdbRequest)
		reply := s.RobotAgent.ExecuteCdb(req)
		c.SendReply(h, protocol.NoErr, &reply)

	// NOTIFY/LOG recebidos de um peer (lado cliente da sessão) ----------
	case protocol.MsgNotifyConnected, protocol.MsgNotifyMoverHalted,
		protocol.MsgNotifyMoverPaused, protocol.MsgNotifyDataHalted,
		protocol.MsgNotifyDataRead, protocol.MsgLogMessage:
		// Notificações não têm reply; só registra
		s.log.Debug("notification received", "code", fmt.Sprintf("%#x", uint32(code)))

	default:
		c.SendReply(h, protocol.NotSupportedErr, nil)
	}
}

// authenticate valida um CONNECT_CLIENT_AUTH contra a configuração.
func (s *Session) authenticate(c *Connection, req *protocol.ConnectClientAuthRequest) protocol.Error {
	switch req.AuthType {
	case protocol.AuthNone:
		if s.cfg.Auth.Mode != "none" {
			return protocol.NotAuthorizedErr
		}
		c.Authorized = true
		return protocol.NoErr

	case protocol.AuthText:
		if s.cfg.Auth.Mode == "none" {
			c.Authorized = true
			return protocol.NoErr
		}
		if password, ok := s.cfg.Auth.Users[req.Name]; ok && password == req.Password {
			c.Authorized = true
			s.log.Info("peer authenticated", "user", req.Name, "scheme", "text")
			return protocol.NoErr
		}
		return protocol.NotAuthorizedErr

	case protocol.AuthMD5:
		if s.cfg.Auth.Mode == "none" {
			c.Authorized = true
			return protocol.NoErr
		}
		if password, ok := s.cfg.Auth.Users[req.Name]; ok && c.VerifyMD5(password, req.Digest) {
			c.Authorized = true
			s.log.Info("peer authenticated", "user", req.Name, "scheme", "md5")
			return protocol.NoErr
		}
		return protocol.NotAuthorizedErr
	}
	return protocol.NotAuthorizedErr
}
