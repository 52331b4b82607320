// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func roundTrip(t *testing.T, code Msg, mtype MsgType, in Body) Body {
	t.Helper()
	h := Header{Sequence: 7, Type: mtype, Code: code}
	frame := Marshal(h, in)

	var defr Deframer
	defr.Feed(frame)
	payload, err := defr.Next()
	if err != nil {
		t.Fatalf("deframe: %v", err)
	}
	if payload == nil {
		t.Fatal("frame incomplete")
	}

	d := NewDecoder(payload)
	got := DecodeHeader(d)
	if got.Sequence != 7 || got.Code != code || got.Type != mtype {
		t.Fatalf("header = %+v", got)
	}

	out, err := NewBody(code, mtype)
	if err != nil {
		t.Fatalf("new body: %v", err)
	}
	out.Decode(d)
	if err := d.Err(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestTapeWrite_RoundTrip(t *testing.T) {
	in := &TapeWriteRequest{Data: bytes.Repeat([]byte{0xAB}, 513)} // tamanho ímpar força padding
	out := roundTrip(t, MsgTapeWrite, MsgRequest, in).(*TapeWriteRequest)
	if !bytes.Equal(out.Data, in.Data) {
		t.Fatal("payload differs after round trip")
	}
}

func TestMoverGetState_RoundTrip(t *testing.T) {
	in := &MoverGetStateReply{
		State:           MoverPaused,
		Mode:            MoverModeWrite,
		PauseReason:     MoverPauseSeek,
		RecordSize:      512,
		BytesMoved:      1 << 33,
		SeekPosition:    12345,
		BytesLeftToRead: 99,
		WindowOffset:    1 << 20,
		WindowLength:    1 << 30,
		Addr:            Addr{Type: AddrTCP, IP: 0x7F000001, Port: 10543},
	}
	out := roundTrip(t, MsgMoverGetState, MsgReply, in).(*MoverGetStateReply)
	if *out != *in {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestDataStartRecover_RoundTrip(t *testing.T) {
	in := &DataStartRecoverRequest{
		BuType: "file",
		Env:    []Pair{{Name: "FILE", Value: "/tmp/x"}, {Name: "COMPRESS", Value: "zstd"}},
		Nlist: []Name{
			{OriginalPath: "/orig", DestinationPath: "/dest", Node: 3, FhInfo: 9},
		},
		Addr: Addr{Type: AddrAsConnected},
	}
	out := roundTrip(t, MsgDataStartRecover, MsgRequest, in).(*DataStartRecoverRequest)
	if out.BuType != in.BuType || len(out.Env) != 2 || len(out.Nlist) != 1 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Nlist[0] != in.Nlist[0] {
		t.Fatalf("nlist mismatch: %+v", out.Nlist[0])
	}
	if out.Addr.Type != AddrAsConnected {
		t.Fatalf("addr type = %v", out.Addr.Type)
	}
}

func TestScsiExecuteCdb_RoundTrip(t *testing.T) {
	in := &ScsiExecuteCdbRequest{
		CDB:       []byte{0xB8, 0, 0, 0, 0, 16, 0, 0, 0x20, 0, 0, 0},
		DataDir:   ScsiDataDirIn,
		DataInLen: 8192,
	}
	out := roundTrip(t, MsgScsiExecuteCdb, MsgRequest, in).(*ScsiExecuteCdbRequest)
	if !bytes.Equal(out.CDB, in.CDB) || out.DataDir != in.DataDir || out.DataInLen != in.DataInLen {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDeframer_SplitFeeds(t *testing.T) {
	h := Header{Sequence: 1, Type: MsgRequest, Code: MsgTapeOpen}
	frame := Marshal(h, &TapeOpenRequest{Device: "/tmp/t.sim", Mode: TapeRDWRMode})

	var defr Deframer
	for _, b := range frame {
		defr.Feed([]byte{b})
	}
	// Só o último byte completa o frame
	payload, err := defr.Next()
	if err != nil || payload == nil {
		t.Fatalf("payload=%v err=%v", payload, err)
	}
	if defr.Buffered() != 0 {
		t.Fatalf("deframer retained %d bytes", defr.Buffered())
	}
}

func TestDeframer_MultiFragmentMessage(t *testing.T) {
	h := Header{Sequence: 2, Type: MsgRequest, Code: MsgMoverContinue}
	full := Marshal(h, nil)
	payload := full[4:]

	// Divide o payload em dois fragmentos de record mark
	part1, part2 := payload[:10], payload[10:]
	var wire []byte
	wire = binary.BigEndian.AppendUint32(wire, uint32(len(part1))) // sem last-bit
	wire = append(wire, part1...)
	wire = binary.BigEndian.AppendUint32(wire, 0x80000000|uint32(len(part2)))
	wire = append(wire, part2...)

	var defr Deframer
	defr.Feed(wire)
	got, err := defr.Next()
	if err != nil {
		t.Fatalf("deframe: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("fragments not reassembled")
	}
}

func TestDeframer_RejectsOversizedFrame(t *testing.T) {
	var wire []byte
	wire = binary.BigEndian.AppendUint32(wire, 0x80000000|uint32(MaxFrameLen+1))
	var defr Deframer
	defr.Feed(wire)
	if _, err := defr.Next(); err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestNewBody_UnknownMessage(t *testing.T) {
	if _, err := NewBody(Msg(0xFFFF), MsgRequest); err != ErrUnknownMessage {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestDecoder_ShortBufferFails(t *testing.T) {
	d := NewDecoder([]byte{0, 0})
	d.U32()
	if d.Err() == nil {
		t.Fatal("short decode not detected")
	}
}

func TestDecoder_HostileStringLength(t *testing.T) {
	e := NewEncoder()
	e.U32(0xFFFFFFF0) // comprimento absurdo
	d := NewDecoder(e.Bytes())
	if s := d.Str(); s != "" || d.Err() == nil {
		t.Fatal("hostile length accepted")
	}
}

func TestVersionGating(t *testing.T) {
	cases := []struct {
		code Msg
		ver  int
		want bool
	}{
		{MsgDataListen, 2, false},
		{MsgDataListen, 3, true},
		{MsgMoverConnect, 2, false},
		{MsgMoverConnect, 4, true},
		{MsgDataStartRecoverFilehist, 3, false},
		{MsgDataStartRecoverFilehist, 4, true},
		{MsgTapeOpen, 2, true},
	}
	for _, c := range cases {
		if got := c.code.SupportedIn(c.ver); got != c.want {
			t.Errorf("SupportedIn(%#x, v%d) = %v, want %v", uint32(c.code), c.ver, got, c.want)
		}
	}
}

func TestNegotiateVersion(t *testing.T) {
	if v, ok := NegotiateVersion(4, 4); !ok || v != 4 {
		t.Fatalf("negotiate(4,4) = %d %v", v, ok)
	}
	if v, ok := NegotiateVersion(3, 4); !ok || v != 3 {
		t.Fatalf("negotiate(3,4) = %d %v", v, ok)
	}
	if _, ok := NegotiateVersion(5, 4); ok {
		t.Fatal("v5 accepted")
	}
	if _, ok := NegotiateVersion(1, 4); ok {
		t.Fatal("v1 accepted")
	}
	if _, ok := NegotiateVersion(4, 3); ok {
		t.Fatal("v4 accepted with max_version 3")
	}
}

func TestMD5ChallengeResponse(t *testing.T) {
	challenge, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	digest := MD5Digest("secret", challenge)
	if !VerifyMD5("secret", challenge, digest) {
		t.Fatal("correct digest rejected")
	}
	if VerifyMD5("wrong", challenge, digest) {
		t.Fatal("wrong password accepted")
	}

	var other [64]byte
	if VerifyMD5("secret", other, digest) {
		t.Fatal("digest valid for a different challenge")
	}
}

func TestErrorStrings(t *testing.T) {
	if NoErr.String() != "NO_ERR" || EOMErr.String() != "EOM_ERR" {
		t.Fatal("error names broken")
	}
	if Error(999).String() != "UNKNOWN_ERR" {
		t.Fatal("unknown error name broken")
	}
}
