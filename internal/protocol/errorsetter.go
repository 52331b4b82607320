// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// ErrorSetter é implementado por todos os replies que carregam um campo
// de erro. Falhas de gate (versão, autorização, decode) respondem com o
// corpo zero-preenchido do tipo certo e só o erro setado.
type ErrorSetter interface {
	SetError(Error)
}

func (m *ErrorReply) SetError(e Error)                   { m.Error = e }
func (m *ConfigGetHostInfoReply) SetError(e Error)       { m.Error = e }
func (m *ConfigGetConnectionTypeReply) SetError(e Error) { m.Error = e }
func (m *ConfigGetAuthAttrReply) SetError(e Error)       { m.Error = e }
func (m *ConfigGetServerInfoReply) SetError(e Error)     { m.Error = e }
func (m *ScsiExecuteCdbReply) SetError(e Error)          { m.Error = e }
func (m *TapeGetStateReply) SetError(e Error)            { m.Error = e }
func (m *TapeMtioReply) SetError(e Error)                { m.Error = e }
func (m *TapeWriteReply) SetError(e Error)               { m.Error = e }
func (m *TapeReadReply) SetError(e Error)                { m.Error = e }
func (m *DataGetStateReply) SetError(e Error)            { m.Error = e }
func (m *DataListenReply) SetError(e Error)              { m.Error = e }
func (m *DataGetEnvReply) SetError(e Error)              { m.Error = e }
func (m *MoverGetStateReply) SetError(e Error)           { m.Error = e }
func (m *MoverListenReply) SetError(e Error)             { m.Error = e }
