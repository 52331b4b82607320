// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header precede todo corpo de mensagem no wire.
// Formato: [Sequence u32] [TimeStamp u32] [Type u32] [Code u32]
// [ReplySequence u32] [Error u32], 24 bytes no total.
type Header struct {
	Sequence      uint32
	TimeStamp     uint32
	Type          MsgType
	Code          Msg
	ReplySequence uint32
	Error         Error
}

// HeaderLen é o tamanho do header serializado.
const HeaderLen = 24

// Encode serializa o header.
func (h Header) Encode(e *Encoder) {
	e.U32(h.Sequence)
	e.U32(h.TimeStamp)
	e.U32(uint32(h.Type))
	e.U32(uint32(h.Code))
	e.U32(h.ReplySequence)
	e.U32(uint32(h.Error))
}

// DecodeHeader lê o header do início do frame.
func DecodeHeader(d *Decoder) Header {
	return Header{
		Sequence:      d.U32(),
		TimeStamp:     d.U32(),
		Type:          MsgType(d.U32()),
		Code:          Msg(d.U32()),
		ReplySequence: d.U32(),
		Error:         Error(d.U32()),
	}
}

// Body é um corpo de mensagem tipado do dialeto v9.
type Body interface {
	Encode(e *Encoder)
	Decode(d *Decoder)
}

// Marshal produz o frame completo (record mark + header + corpo).
// O record mark é um u32 com o bit de último fragmento ligado e o
// tamanho do fragmento nos 31 bits baixos.
func Marshal(h Header, body Body) []byte {
	e := NewEncoder()
	h.Encode(e)
	if body != nil {
		body.Encode(e)
	}
	payload := e.Bytes()

	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, 0x80000000|uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// Deframer remonta mensagens a partir de bytes avulsos do canal,
// juntando fragmentos de record mark até o bit de último fragmento.
type Deframer struct {
	in      []byte // bytes ainda não consumidos
	partial []byte // fragmentos já juntados da mensagem corrente
}

// Feed acrescenta bytes recebidos do canal.
func (f *Deframer) Feed(p []byte) {
	f.in = append(f.in, p...)
}

// Next retorna o payload completo da próxima mensagem (header + corpo),
// ou nil se ainda não chegou um frame inteiro.
func (f *Deframer) Next() ([]byte, error) {
	for {
		if len(f.in) < 4 {
			return nil, nil
		}
		mark := binary.BigEndian.Uint32(f.in)
		last := mark&0x80000000 != 0
		fragLen := int(mark & 0x7FFFFFFF)
		if fragLen > MaxFrameLen || len(f.partial)+fragLen > MaxFrameLen {
			return nil, ErrFrameTooLarge
		}
		if len(f.in) < 4+fragLen {
			return nil, nil
		}
		f.partial = append(f.partial, f.in[4:4+fragLen]...)
		f.in = f.in[4+fragLen:]
		if !last {
			continue
		}
		msg := f.partial
		f.partial = nil
		if len(msg) < HeaderLen {
			return nil, fmt.Errorf("%w: message of %d bytes", ErrTruncatedFrame, len(msg))
		}
		return msg, nil
	}
}

// Buffered informa quantos bytes estão retidos aguardando frame completo.
func (f *Deframer) Buffered() int { return len(f.in) + len(f.partial) }

func encodeAddr(e *Encoder, a Addr) {
	e.U32(uint32(a.Type))
	if a.Type == AddrTCP {
		e.U32(a.IP)
		e.U32(uint32(a.Port))
	}
}

func decodeAddr(d *Decoder) Addr {
	a := Addr{Type: AddrType(d.U32())}
	if a.Type == AddrTCP {
		a.IP = d.U32()
		a.Port = uint16(d.U32())
	}
	return a
}

func encodePairs(e *Encoder, env []Pair) {
	e.U32(uint32(len(env)))
	for _, p := range env {
		e.Str(p.Name)
		e.Str(p.Value)
	}
}

func decodePairs(d *Decoder) []Pair {
	n := int(d.U32())
	if d.Err() != nil || n > d.Remaining() {
		return nil
	}
	env := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		env = append(env, Pair{Name: d.Str(), Value: d.Str()})
	}
	return env
}

// NoBody é o corpo vazio das mensagens que só carregam o header.
type NoBody struct{}

func (NoBody) Encode(*Encoder) {}
func (NoBody) Decode(*Decoder) {}

// ErrorReply é o reply genérico que só carrega um código de erro.
type ErrorReply struct {
	Error Error
}

func (m *ErrorReply) Encode(e *Encoder) { e.U32(uint32(m.Error)) }
func (m *ErrorReply) Decode(d *Decoder) { m.Error = Error(d.U32()) }

// CONNECT ---------------------------------------------------------------

// ConnectOpenRequest negocia a versão de protocolo da conexão.
type ConnectOpenRequest struct {
	Version uint16
}

func (m *ConnectOpenRequest) Encode(e *Encoder) { e.U32(uint32(m.Version)) }
func (m *ConnectOpenRequest) Decode(d *Decoder) { m.Version = uint16(d.U32()) }

// ConnectClientAuthRequest autentica o peer de controle.
// Para AuthText, Password carrega a senha em claro; para AuthMD5,
// Digest carrega o MD5 do challenge + senha.
type ConnectClientAuthRequest struct {
	AuthType AuthType
	Name     string
	Password string
	Digest   [16]byte
}

func (m *ConnectClientAuthRequest) Encode(e *Encoder) {
	e.U32(uint32(m.AuthType))
	switch m.AuthType {
	case AuthText:
		e.Str(m.Name)
		e.Str(m.Password)
	case AuthMD5:
		e.Str(m.Name)
		e.Fixed(m.Digest[:])
	}
}

func (m *ConnectClientAuthRequest) Decode(d *Decoder) {
	m.AuthType = AuthType(d.U32())
	switch m.AuthType {
	case AuthText:
		m.Name = d.Str()
		m.Password = d.Str()
	case AuthMD5:
		m.Name = d.Str()
		copy(m.Digest[:], d.Fixed(16))
	}
}

// CONFIG ----------------------------------------------------------------

// ConfigGetHostInfoReply descreve o host do agent.
type ConfigGetHostInfoReply struct {
	Error    Error
	Hostname string
	OSType   string
	OSVers   string
	HostID   string
}

func (m *ConfigGetHostInfoReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.Str(m.Hostname)
	e.Str(m.OSType)
	e.Str(m.OSVers)
	e.Str(m.HostID)
}

func (m *ConfigGetHostInfoReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Hostname = d.Str()
	m.OSType = d.Str()
	m.OSVers = d.Str()
	m.HostID = d.Str()
}

// ConfigGetConnectionTypeReply lista os addr types suportados.
type ConfigGetConnectionTypeReply struct {
	Error     Error
	AddrTypes []AddrType
}

func (m *ConfigGetConnectionTypeReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(uint32(len(m.AddrTypes)))
	for _, t := range m.AddrTypes {
		e.U32(uint32(t))
	}
}

func (m *ConfigGetConnectionTypeReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	n := int(d.U32())
	if d.Err() != nil || n > d.Remaining() {
		return
	}
	m.AddrTypes = make([]AddrType, 0, n)
	for i := 0; i < n; i++ {
		m.AddrTypes = append(m.AddrTypes, AddrType(d.U32()))
	}
}

// ConfigGetAuthAttrRequest pede os atributos de um esquema de auth
// (para MD5, o challenge de 64 bytes).
type ConfigGetAuthAttrRequest struct {
	AuthType AuthType
}

func (m *ConfigGetAuthAttrRequest) Encode(e *Encoder) { e.U32(uint32(m.AuthType)) }
func (m *ConfigGetAuthAttrRequest) Decode(d *Decoder) { m.AuthType = AuthType(d.U32()) }

// ConfigGetAuthAttrReply devolve o challenge MD5.
type ConfigGetAuthAttrReply struct {
	Error     Error
	AuthType  AuthType
	Challenge [64]byte
}

func (m *ConfigGetAuthAttrReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(uint32(m.AuthType))
	e.Fixed(m.Challenge[:])
}

func (m *ConfigGetAuthAttrReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.AuthType = AuthType(d.U32())
	copy(m.Challenge[:], d.Fixed(64))
}

// ConfigGetServerInfoReply identifica o vendor do agent e os auth types.
type ConfigGetServerInfoReply struct {
	Error     Error
	Vendor    string
	Product   string
	Revision  string
	AuthTypes []AuthType
}

func (m *ConfigGetServerInfoReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.Str(m.Vendor)
	e.Str(m.Product)
	e.Str(m.Revision)
	e.U32(uint32(len(m.AuthTypes)))
	for _, t := range m.AuthTypes {
		e.U32(uint32(t))
	}
}

func (m *ConfigGetServerInfoReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Vendor = d.Str()
	m.Product = d.Str()
	m.Revision = d.Str()
	n := int(d.U32())
	if d.Err() != nil || n > d.Remaining() {
		return
	}
	m.AuthTypes = make([]AuthType, 0, n)
	for i := 0; i < n; i++ {
		m.AuthTypes = append(m.AuthTypes, AuthType(d.U32()))
	}
}

// SCSI ------------------------------------------------------------------

// ScsiOpenRequest abre o robot (diretório de estado no simulador).
type ScsiOpenRequest struct {
	Device string
}

func (m *ScsiOpenRequest) Encode(e *Encoder) { e.Str(m.Device) }
func (m *ScsiOpenRequest) Decode(d *Decoder) { m.Device = d.Str() }

// ScsiDataDir indica a direção dos dados do EXECUTE_CDB.
type ScsiDataDir uint32

const (
	ScsiDataDirNone ScsiDataDir = 0
	ScsiDataDirIn   ScsiDataDir = 1
	ScsiDataDirOut  ScsiDataDir = 2
)

// ScsiExecuteCdbRequest executa um CDB no robot.
type ScsiExecuteCdbRequest struct {
	CDB       []byte
	DataDir   ScsiDataDir
	Timeout   uint32
	DataInLen uint32
	DataOut   []byte
}

func (m *ScsiExecuteCdbRequest) Encode(e *Encoder) {
	e.Opaque(m.CDB)
	e.U32(uint32(m.DataDir))
	e.U32(m.Timeout)
	e.U32(m.DataInLen)
	e.Opaque(m.DataOut)
}

func (m *ScsiExecuteCdbRequest) Decode(d *Decoder) {
	m.CDB = d.Opaque()
	m.DataDir = ScsiDataDir(d.U32())
	m.Timeout = d.U32()
	m.DataInLen = d.U32()
	m.DataOut = d.Opaque()
}

// ScsiExecuteCdbReply devolve status SCSI, dados e sense estendido.
type ScsiExecuteCdbReply struct {
	Error    Error
	Status   uint32
	DataIn   []byte
	ExtSense []byte
}

func (m *ScsiExecuteCdbReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(m.Status)
	e.Opaque(m.DataIn)
	e.Opaque(m.ExtSense)
}

func (m *ScsiExecuteCdbReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Status = d.U32()
	m.DataIn = d.Opaque()
	m.ExtSense = d.Opaque()
}

// TAPE ------------------------------------------------------------------

// TapeOpenRequest abre um device de fita.
type TapeOpenRequest struct {
	Device string
	Mode   TapeOpenMode
}

func (m *TapeOpenRequest) Encode(e *Encoder) {
	e.Str(m.Device)
	e.U32(uint32(m.Mode))
}

func (m *TapeOpenRequest) Decode(d *Decoder) {
	m.Device = d.Str()
	m.Mode = TapeOpenMode(d.U32())
}

// TapeGetStateReply publica o estado corrente do tape device.
type TapeGetStateReply struct {
	Error       Error
	Validity    uint32
	State       TapeState
	OpenMode    TapeOpenMode
	FileNum     uint32
	SoftErrors  uint32
	BlockSize   uint32
	Blockno     uint32
	TotalSpace  uint64
	SpaceRemain uint64
}

func (m *TapeGetStateReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(m.Validity)
	e.U32(uint32(m.State))
	e.U32(uint32(m.OpenMode))
	e.U32(m.FileNum)
	e.U32(m.SoftErrors)
	e.U32(m.BlockSize)
	e.U32(m.Blockno)
	e.U64(m.TotalSpace)
	e.U64(m.SpaceRemain)
}

func (m *TapeGetStateReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Validity = d.U32()
	m.State = TapeState(d.U32())
	m.OpenMode = TapeOpenMode(d.U32())
	m.FileNum = d.U32()
	m.SoftErrors = d.U32()
	m.BlockSize = d.U32()
	m.Blockno = d.U32()
	m.TotalSpace = d.U64()
	m.SpaceRemain = d.U64()
}

// TapeMtioRequest executa uma operação de posicionamento.
type TapeMtioRequest struct {
	Op    MtioOp
	Count uint32
}

func (m *TapeMtioRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Op))
	e.U32(m.Count)
}

func (m *TapeMtioRequest) Decode(d *Decoder) {
	m.Op = MtioOp(d.U32())
	m.Count = d.U32()
}

// TapeMtioReply devolve o residual (iterações não realizadas).
type TapeMtioReply struct {
	Error Error
	Resid uint32
}

func (m *TapeMtioReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(m.Resid)
}

func (m *TapeMtioReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Resid = d.U32()
}

// TapeWriteRequest grava um record na fita.
type TapeWriteRequest struct {
	Data []byte
}

func (m *TapeWriteRequest) Encode(e *Encoder) { e.Opaque(m.Data) }
func (m *TapeWriteRequest) Decode(d *Decoder) { m.Data = d.Opaque() }

// TapeWriteReply devolve quantos bytes foram gravados.
type TapeWriteReply struct {
	Error Error
	Count uint32
}

func (m *TapeWriteReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(m.Count)
}

func (m *TapeWriteReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Count = d.U32()
}

// TapeReadRequest lê até Count bytes do record corrente.
type TapeReadRequest struct {
	Count uint32
}

func (m *TapeReadRequest) Encode(e *Encoder) { e.U32(m.Count) }
func (m *TapeReadRequest) Decode(d *Decoder) { m.Count = d.U32() }

// TapeReadReply devolve os bytes lidos.
type TapeReadReply struct {
	Error Error
	Data  []byte
}

func (m *TapeReadReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.Opaque(m.Data)
}

func (m *TapeReadReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Data = d.Opaque()
}

// DATA ------------------------------------------------------------------

// DataGetStateReply publica o estado corrente do data agent.
type DataGetStateReply struct {
	Error          Error
	Operation      DataOperation
	State          DataState
	HaltReason     DataHaltReason
	BytesProcessed uint64
	ReadOffset     uint64
	ReadLength     uint64
	Addr           Addr
}

func (m *DataGetStateReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(uint32(m.Operation))
	e.U32(uint32(m.State))
	e.U32(uint32(m.HaltReason))
	e.U64(m.BytesProcessed)
	e.U64(m.ReadOffset)
	e.U64(m.ReadLength)
	encodeAddr(e, m.Addr)
}

func (m *DataGetStateReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Operation = DataOperation(d.U32())
	m.State = DataState(d.U32())
	m.HaltReason = DataHaltReason(d.U32())
	m.BytesProcessed = d.U64()
	m.ReadOffset = d.U64()
	m.ReadLength = d.U64()
	m.Addr = decodeAddr(d)
}

// DataListenRequest coloca o data agent em escuta para o image stream.
type DataListenRequest struct {
	AddrType AddrType
}

func (m *DataListenRequest) Encode(e *Encoder) { e.U32(uint32(m.AddrType)) }
func (m *DataListenRequest) Decode(d *Decoder) { m.AddrType = AddrType(d.U32()) }

// DataListenReply publica o endereço escolhido.
type DataListenReply struct {
	Error Error
	Addr  Addr
}

func (m *DataListenReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	encodeAddr(e, m.Addr)
}

func (m *DataListenReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Addr = decodeAddr(d)
}

// DataConnectRequest conecta o data agent a um mover remoto.
type DataConnectRequest struct {
	Addr Addr
}

func (m *DataConnectRequest) Encode(e *Encoder) { encodeAddr(e, m.Addr) }
func (m *DataConnectRequest) Decode(d *Decoder) { m.Addr = decodeAddr(d) }

// DataStartBackupRequest inicia um backup com o formato bu_type.
// Addr com AddrAsConnected usa a conexão de dados já estabelecida;
// LOCAL/TCP conectam na hora (forma v2).
type DataStartBackupRequest struct {
	BuType string
	Env    []Pair
	Addr   Addr
}

func (m *DataStartBackupRequest) Encode(e *Encoder) {
	e.Str(m.BuType)
	encodePairs(e, m.Env)
	encodeAddr(e, m.Addr)
}

func (m *DataStartBackupRequest) Decode(d *Decoder) {
	m.BuType = d.Str()
	m.Env = decodePairs(d)
	m.Addr = decodeAddr(d)
}

// DataStartRecoverRequest inicia um recover da nlist.
type DataStartRecoverRequest struct {
	BuType string
	Env    []Pair
	Nlist  []Name
	Addr   Addr
}

func (m *DataStartRecoverRequest) Encode(e *Encoder) {
	e.Str(m.BuType)
	encodePairs(e, m.Env)
	e.U32(uint32(len(m.Nlist)))
	for _, n := range m.Nlist {
		e.Str(n.OriginalPath)
		e.Str(n.DestinationPath)
		e.U64(n.Node)
		e.U64(n.FhInfo)
	}
	encodeAddr(e, m.Addr)
}

func (m *DataStartRecoverRequest) Decode(d *Decoder) {
	m.BuType = d.Str()
	m.Env = decodePairs(d)
	n := int(d.U32())
	if d.Err() != nil || n > d.Remaining() {
		return
	}
	m.Nlist = make([]Name, 0, n)
	for i := 0; i < n; i++ {
		m.Nlist = append(m.Nlist, Name{
			OriginalPath:    d.Str(),
			DestinationPath: d.Str(),
			Node:            d.U64(),
			FhInfo:          d.U64(),
		})
	}
	m.Addr = decodeAddr(d)
}

// DataGetEnvReply devolve o ambiente corrente do data agent.
type DataGetEnvReply struct {
	Error Error
	Env   []Pair
}

func (m *DataGetEnvReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	encodePairs(e, m.Env)
}

func (m *DataGetEnvReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Env = decodePairs(d)
}

// MOVER -----------------------------------------------------------------

// MoverGetStateReply publica o estado corrente do mover.
type MoverGetStateReply struct {
	Error           Error
	State           MoverState
	Mode            MoverMode
	PauseReason     MoverPauseReason
	HaltReason      MoverHaltReason
	RecordSize      uint32
	RecordNum       uint32
	BytesMoved      uint64
	SeekPosition    uint64
	BytesLeftToRead uint64
	WindowOffset    uint64
	WindowLength    uint64
	Addr            Addr
}

func (m *MoverGetStateReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	e.U32(uint32(m.State))
	e.U32(uint32(m.Mode))
	e.U32(uint32(m.PauseReason))
	e.U32(uint32(m.HaltReason))
	e.U32(m.RecordSize)
	e.U32(m.RecordNum)
	e.U64(m.BytesMoved)
	e.U64(m.SeekPosition)
	e.U64(m.BytesLeftToRead)
	e.U64(m.WindowOffset)
	e.U64(m.WindowLength)
	encodeAddr(e, m.Addr)
}

func (m *MoverGetStateReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.State = MoverState(d.U32())
	m.Mode = MoverMode(d.U32())
	m.PauseReason = MoverPauseReason(d.U32())
	m.HaltReason = MoverHaltReason(d.U32())
	m.RecordSize = d.U32()
	m.RecordNum = d.U32()
	m.BytesMoved = d.U64()
	m.SeekPosition = d.U64()
	m.BytesLeftToRead = d.U64()
	m.WindowOffset = d.U64()
	m.WindowLength = d.U64()
	m.Addr = decodeAddr(d)
}

// MoverListenRequest coloca o mover em escuta.
type MoverListenRequest struct {
	Mode     MoverMode
	AddrType AddrType
}

func (m *MoverListenRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Mode))
	e.U32(uint32(m.AddrType))
}

func (m *MoverListenRequest) Decode(d *Decoder) {
	m.Mode = MoverMode(d.U32())
	m.AddrType = AddrType(d.U32())
}

// MoverListenReply publica o endereço de escuta.
type MoverListenReply struct {
	Error Error
	Addr  Addr
}

func (m *MoverListenReply) Encode(e *Encoder) {
	e.U32(uint32(m.Error))
	encodeAddr(e, m.Addr)
}

func (m *MoverListenReply) Decode(d *Decoder) {
	m.Error = Error(d.U32())
	m.Addr = decodeAddr(d)
}

// MoverConnectRequest conecta o mover a um data agent em escuta.
type MoverConnectRequest struct {
	Mode MoverMode
	Addr Addr
}

func (m *MoverConnectRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Mode))
	encodeAddr(e, m.Addr)
}

func (m *MoverConnectRequest) Decode(d *Decoder) {
	m.Mode = MoverMode(d.U32())
	m.Addr = decodeAddr(d)
}

// MoverSetWindowRequest define a janela corrente do mover.
type MoverSetWindowRequest struct {
	Offset uint64
	Length uint64
}

func (m *MoverSetWindowRequest) Encode(e *Encoder) {
	e.U64(m.Offset)
	e.U64(m.Length)
}

func (m *MoverSetWindowRequest) Decode(d *Decoder) {
	m.Offset = d.U64()
	m.Length = d.U64()
}

// MoverReadRequest pede a leitura de [Offset, Offset+Length) para o
// image stream (modo WRITE).
type MoverReadRequest struct {
	Offset uint64
	Length uint64
}

func (m *MoverReadRequest) Encode(e *Encoder) {
	e.U64(m.Offset)
	e.U64(m.Length)
}

func (m *MoverReadRequest) Decode(d *Decoder) {
	m.Offset = d.U64()
	m.Length = d.U64()
}

// MoverSetRecordSizeRequest define o record size do mover.
type MoverSetRecordSizeRequest struct {
	Len uint32
}

func (m *MoverSetRecordSizeRequest) Encode(e *Encoder) { e.U32(m.Len) }
func (m *MoverSetRecordSizeRequest) Decode(d *Decoder) { m.Len = d.U32() }

// NOTIFY / LOG ----------------------------------------------------------

// NotifyConnectedRequest avisa o peer da versão negociada.
type NotifyConnectedRequest struct {
	Reason  ConnectedReason
	Version uint16
	Text    string
}

func (m *NotifyConnectedRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Reason))
	e.U32(uint32(m.Version))
	e.Str(m.Text)
}

func (m *NotifyConnectedRequest) Decode(d *Decoder) {
	m.Reason = ConnectedReason(d.U32())
	m.Version = uint16(d.U32())
	m.Text = d.Str()
}

// NotifyMoverHaltedRequest avisa o peer que o mover parou.
type NotifyMoverHaltedRequest struct {
	Reason MoverHaltReason
	Text   string
}

func (m *NotifyMoverHaltedRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Reason))
	e.Str(m.Text)
}

func (m *NotifyMoverHaltedRequest) Decode(d *Decoder) {
	m.Reason = MoverHaltReason(d.U32())
	m.Text = d.Str()
}

// NotifyMoverPausedRequest avisa o peer que o mover pausou.
type NotifyMoverPausedRequest struct {
	Reason       MoverPauseReason
	SeekPosition uint64
}

func (m *NotifyMoverPausedRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Reason))
	e.U64(m.SeekPosition)
}

func (m *NotifyMoverPausedRequest) Decode(d *Decoder) {
	m.Reason = MoverPauseReason(d.U32())
	m.SeekPosition = d.U64()
}

// NotifyDataHaltedRequest avisa o peer que o data agent parou.
type NotifyDataHaltedRequest struct {
	Reason DataHaltReason
	Text   string
}

func (m *NotifyDataHaltedRequest) Encode(e *Encoder) {
	e.U32(uint32(m.Reason))
	e.Str(m.Text)
}

func (m *NotifyDataHaltedRequest) Decode(d *Decoder) {
	m.Reason = DataHaltReason(d.U32())
	m.Text = d.Str()
}

// NotifyDataReadRequest pede ao peer a próxima janela de leitura.
type NotifyDataReadRequest struct {
	Offset uint64
	Length uint64
}

func (m *NotifyDataReadRequest) Encode(e *Encoder) {
	e.U64(m.Offset)
	e.U64(m.Length)
}

func (m *NotifyDataReadRequest) Decode(d *Decoder) {
	m.Offset = d.U64()
	m.Length = d.U64()
}

// LogMessageRequest carrega uma mensagem de log para o peer de controle.
type LogMessageRequest struct {
	LogType   LogType
	MessageID uint32
	Entry     string
}

func (m *LogMessageRequest) Encode(e *Encoder) {
	e.U32(uint32(m.LogType))
	e.U32(m.MessageID)
	e.Str(m.Entry)
}

func (m *LogMessageRequest) Decode(d *Decoder) {
	m.LogType = LogType(d.U32())
	m.MessageID = d.U32()
	m.Entry = d.Str()
}

// NewBody devolve o corpo zero para (code, type), ou ErrUnknownMessage.
// Mensagens sem corpo devolvem NoBody.
func NewBody(code Msg, t MsgType) (Body, error) {
	if t == MsgRequest {
		switch code {
		case MsgConnectOpen:
			return &ConnectOpenRequest{}, nil
		case MsgConnectClientAuth:
			return &ConnectClientAuthRequest{}, nil
		case MsgConnectClose, MsgConfigGetHostInfo, MsgConfigGetConnectionType,
			MsgConfigGetServerInfo, MsgScsiClose, MsgScsiGetState, MsgScsiResetDevice,
			MsgTapeClose, MsgTapeGetState, MsgDataGetState, MsgDataAbort,
			MsgDataGetEnv, MsgDataStop, MsgMoverGetState, MsgMoverContinue,
			MsgMoverAbort, MsgMoverStop, MsgMoverClose:
			return NoBody{}, nil
		case MsgConfigGetAuthAttr:
			return &ConfigGetAuthAttrRequest{}, nil
		case MsgScsiOpen:
			return &ScsiOpenRequest{}, nil
		case MsgScsiExecuteCdb:
			return &ScsiExecuteCdbRequest{}, nil
		case MsgTapeOpen:
			return &TapeOpenRequest{}, nil
		case MsgTapeMtio:
			return &TapeMtioRequest{}, nil
		case MsgTapeWrite:
			return &TapeWriteRequest{}, nil
		case MsgTapeRead:
			return &TapeReadRequest{}, nil
		case MsgDataListen:
			return &DataListenRequest{}, nil
		case MsgDataConnect:
			return &DataConnectRequest{}, nil
		case MsgDataStartBackup:
			return &DataStartBackupRequest{}, nil
		case MsgDataStartRecover, MsgDataStartRecoverFilehist:
			return &DataStartRecoverRequest{}, nil
		case MsgMoverListen:
			return &MoverListenRequest{}, nil
		case MsgMoverConnect:
			return &MoverConnectRequest{}, nil
		case MsgMoverSetWindow:
			return &MoverSetWindowRequest{}, nil
		case MsgMoverRead:
			return &MoverReadRequest{}, nil
		case MsgMoverSetRecordSize:
			return &MoverSetRecordSizeRequest{}, nil
		case MsgNotifyConnected:
			return &NotifyConnectedRequest{}, nil
		case MsgNotifyMoverHalted:
			return &NotifyMoverHaltedRequest{}, nil
		case MsgNotifyMoverPaused:
			return &NotifyMoverPausedRequest{}, nil
		case MsgNotifyDataHalted:
			return &NotifyDataHaltedRequest{}, nil
		case MsgNotifyDataRead:
			return &NotifyDataReadRequest{}, nil
		case MsgLogMessage:
			return &LogMessageRequest{}, nil
		}
		return nil, ErrUnknownMessage
	}

	switch code {
	case MsgConnectOpen, MsgConnectClientAuth, MsgScsiOpen, MsgScsiClose,
		MsgScsiResetDevice, MsgTapeOpen, MsgTapeClose, MsgDataConnect,
		MsgDataStartBackup, MsgDataStartRecover, MsgDataStartRecoverFilehist,
		MsgDataAbort, MsgDataStop, MsgMoverConnect, MsgMoverContinue,
		MsgMoverAbort, MsgMoverStop, MsgMoverClose, MsgMoverSetWindow,
		MsgMoverRead, MsgMoverSetRecordSize:
		return &ErrorReply{}, nil
	case MsgConfigGetHostInfo:
		return &ConfigGetHostInfoReply{}, nil
	case MsgConfigGetConnectionType:
		return &ConfigGetConnectionTypeReply{}, nil
	case MsgConfigGetAuthAttr:
		return &ConfigGetAuthAttrReply{}, nil
	case MsgConfigGetServerInfo:
		return &ConfigGetServerInfoReply{}, nil
	case MsgScsiExecuteCdb:
		return &ScsiExecuteCdbReply{}, nil
	case MsgTapeGetState:
		return &TapeGetStateReply{}, nil
	case MsgTapeMtio:
		return &TapeMtioReply{}, nil
	case MsgTapeWrite:
		return &TapeWriteReply{}, nil
	case MsgTapeRead:
		return &TapeReadReply{}, nil
	case MsgDataGetState:
		return &DataGetStateReply{}, nil
	case MsgDataListen:
		return &DataListenReply{}, nil
	case MsgDataGetEnv:
		return &DataGetEnvReply{}, nil
	case MsgMoverGetState:
		return &MoverGetStateReply{}, nil
	case MsgMoverListen:
		return &MoverListenReply{}, nil
	}
	return nil, ErrUnknownMessage
}
