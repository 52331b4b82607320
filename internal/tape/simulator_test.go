// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/n-ndmp/internal/protocol"
)

func newTapeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.sim")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating tape file: %v", err)
	}
	return path
}

func openSim(t *testing.T, path string, write bool) *Simulator {
	t.Helper()
	s := NewSimulator(0, 64*1024)
	if err := s.Open(path, write); err != protocol.NoErr {
		t.Fatalf("open %s: %v", path, err)
	}
	return s
}

func writeRecord(t *testing.T, s *Simulator, data []byte) {
	t.Helper()
	done, err := s.Write(data)
	if err != protocol.NoErr {
		t.Fatalf("write: %v", err)
	}
	if done != len(data) {
		t.Fatalf("write: done = %d, want %d", done, len(data))
	}
}

func TestSimulator_OpenInitializesEmptyTape(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	// BOT + EOT gravados no open
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2*gapLen {
		t.Fatalf("empty tape file has %d bytes, want %d", len(data), 2*gapLen)
	}
	if got := binary.LittleEndian.Uint32(data[0:]); got != gapMagic {
		t.Errorf("BOT magic = %#x, want %#x", got, gapMagic)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != gapBOT {
		t.Errorf("first rectype = %#x, want BOT", got)
	}
	if got := binary.LittleEndian.Uint32(data[gapLen+4:]); got != gapEOT {
		t.Errorf("second rectype = %#x, want EOT", got)
	}
}

func TestSimulator_Lockfile(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)

	other := NewSimulator(0, 64*1024)
	if err := other.Open(path, false); err != protocol.DeviceBusyErr {
		t.Fatalf("second open = %v, want DEVICE_BUSY_ERR", err)
	}

	if err := s.Close(); err != protocol.NoErr {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path + ".lck"); !os.IsNotExist(err) {
		t.Fatal("lockfile not removed on close")
	}

	// Depois do close o device volta a abrir
	s2 := openSim(t, path, false)
	s2.Close()
}

func TestSimulator_OpenWriteProtect(t *testing.T) {
	path := newTapeFile(t)
	if err := os.Chmod(path, 0444); err != nil {
		t.Fatal(err)
	}
	s := NewSimulator(0, 64*1024)
	if err := s.Open(path, true); err != protocol.WriteProtectErr {
		t.Fatalf("open for write = %v, want WRITE_PROTECT_ERR", err)
	}
	// read-only ainda abre
	if err := s.Open(path, false); err != protocol.NoErr {
		t.Fatalf("open read-only: %v", err)
	}
	s.Close()
}

func TestSimulator_OpenMissingDevice(t *testing.T) {
	s := NewSimulator(0, 64*1024)
	if err := s.Open(filepath.Join(t.TempDir(), "nope.sim"), false); err != protocol.NoDeviceErr {
		t.Fatalf("open = %v, want NO_DEVICE_ERR", err)
	}
}

func TestSimulator_WriteBSRReadRoundTrip(t *testing.T) {
	// Propriedade: write(k) ; BSR 1 ; read(k) devolve os bytes originais
	// e deixa blockno como estava.
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	payload := bytes.Repeat([]byte{0x5A}, 512)
	writeRecord(t, s, payload)

	if got := s.SyncState().Blockno; got != 1 {
		t.Fatalf("blockno after write = %d, want 1", got)
	}

	resid, err := s.Mtio(protocol.MtioBSR, 1)
	if err != protocol.NoErr || resid != 0 {
		t.Fatalf("BSR: resid=%d err=%v", resid, err)
	}
	if got := s.SyncState().Blockno; got != 0 {
		t.Fatalf("blockno after BSR = %d, want 0", got)
	}

	buf := make([]byte, 512)
	done, rerr := s.Read(buf)
	if rerr != protocol.NoErr || done != 512 {
		t.Fatalf("read: done=%d err=%v", done, rerr)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("read returned different bytes")
	}
	if got := s.SyncState().Blockno; got != 1 {
		t.Fatalf("blockno after read = %d, want 1", got)
	}
}

func TestSimulator_ReopenReadsBackStream(t *testing.T) {
	// Propriedade: open, write..., close, open, read... devolve o stream
	// original na ordem, com filemarks intercalados.
	path := newTapeFile(t)
	s := openSim(t, path, true)

	var want []byte
	for i := 0; i < 5; i++ {
		rec := bytes.Repeat([]byte{byte(i + 1)}, 256)
		writeRecord(t, s, rec)
		want = append(want, rec...)
		if i == 2 {
			if err := s.WFM(); err != protocol.NoErr {
				t.Fatalf("wfm: %v", err)
			}
		}
	}
	if err := s.Close(); err != protocol.NoErr {
		t.Fatalf("close: %v", err)
	}

	s2 := openSim(t, path, false)
	defer s2.Close()
	if _, err := s2.Mtio(protocol.MtioREW, 1); err != protocol.NoErr {
		t.Fatalf("rewind: %v", err)
	}

	var got []byte
	buf := make([]byte, 256)
	for files := 0; files < 2; {
		done, err := s2.Read(buf)
		switch err {
		case protocol.NoErr:
			got = append(got, buf[:done]...)
		case protocol.EOFErr:
			// Filemark ou EOT: avança um file
			if resid, merr := s2.Mtio(protocol.MtioFSF, 1); merr != protocol.NoErr || resid != 0 {
				files = 2 // EOT alcançado
			} else {
				files++
			}
		default:
			t.Fatalf("read: %v", err)
		}
		if len(got) >= len(want) {
			break
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reread stream differs: got %d bytes, want %d", len(got), len(want))
	}
}

func TestSimulator_PositionHintResume(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	writeRecord(t, s, bytes.Repeat([]byte{1}, 128))
	writeRecord(t, s, bytes.Repeat([]byte{2}, 128))
	s.Close()

	// O close grava <path>.pos apontando para a posição corrente
	if _, err := os.Lstat(path + ".pos"); err != nil {
		t.Fatalf("pos symlink not written: %v", err)
	}

	s2 := openSim(t, path, true)
	defer s2.Close()

	// Retomou no fim: a próxima leitura vê o EOT como EOF
	buf := make([]byte, 128)
	if _, err := s2.Read(buf); err != protocol.EOFErr {
		t.Fatalf("read at resumed position = %v, want EOF_ERR", err)
	}

	// O hint é consumido no open
	if _, err := os.Lstat(path + ".pos"); !os.IsNotExist(err) {
		t.Fatal("pos symlink not consumed on open")
	}
}

func TestSimulator_FilemarkCounters(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	writeRecord(t, s, make([]byte, 64))
	writeRecord(t, s, make([]byte, 64))
	if err := s.WFM(); err != protocol.NoErr {
		t.Fatalf("wfm: %v", err)
	}
	st := s.SyncState()
	if st.FileNum != 1 || st.Blockno != 0 {
		t.Fatalf("after wfm: file_num=%d blockno=%d, want 1/0", st.FileNum, st.Blockno)
	}

	writeRecord(t, s, make([]byte, 64))

	// BSF: para no lado de dados do filemark
	if resid, err := s.Mtio(protocol.MtioBSF, 1); err != protocol.NoErr || resid != 0 {
		t.Fatalf("BSF: resid=%d err=%v", resid, err)
	}
	st = s.SyncState()
	if st.FileNum != 0 {
		t.Fatalf("file_num after BSF = %d, want 0", st.FileNum)
	}

	// FSF volta para depois do filemark
	if resid, err := s.Mtio(protocol.MtioFSF, 1); err != protocol.NoErr || resid != 0 {
		t.Fatalf("FSF: resid=%d err=%v", resid, err)
	}
	st = s.SyncState()
	if st.FileNum != 1 || st.Blockno != 0 {
		t.Fatalf("after FSF: file_num=%d blockno=%d, want 1/0", st.FileNum, st.Blockno)
	}
}

func TestSimulator_RewindAndBOT(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	for i := 0; i < 3; i++ {
		writeRecord(t, s, make([]byte, 32))
	}

	if resid, err := s.Mtio(protocol.MtioREW, 1); err != protocol.NoErr || resid != 0 {
		t.Fatalf("REW: resid=%d err=%v", resid, err)
	}
	st := s.SyncState()
	if st.FileNum != 0 || st.Blockno != 0 {
		t.Fatalf("after REW: file_num=%d blockno=%d", st.FileNum, st.Blockno)
	}

	// Não há como retroceder sobre o BOT
	resid, err := s.Mtio(protocol.MtioBSR, 5)
	if err != protocol.NoErr {
		t.Fatalf("BSR at BOT: %v", err)
	}
	if resid != 5 {
		t.Fatalf("BSR at BOT resid = %d, want 5", resid)
	}
}

func TestSimulator_ReadPastEOTIsEOF(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	writeRecord(t, s, make([]byte, 64))

	buf := make([]byte, 64)
	if _, err := s.Read(buf); err != protocol.EOFErr {
		t.Fatalf("read at EOT = %v, want EOF_ERR", err)
	}
	// A posição não avança em EOF
	if _, err := s.Read(buf); err != protocol.EOFErr {
		t.Fatalf("second read at EOT = %v, want EOF_ERR", err)
	}
}

func TestSimulator_PartialReadSkipsRecord(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	writeRecord(t, s, bytes.Repeat([]byte{7}, 512))
	writeRecord(t, s, bytes.Repeat([]byte{8}, 512))
	if _, err := s.Mtio(protocol.MtioREW, 1); err != protocol.NoErr {
		t.Fatal("rewind")
	}

	buf := make([]byte, 100)
	done, err := s.Read(buf)
	if err != protocol.NoErr || done != 100 {
		t.Fatalf("partial read: done=%d err=%v", done, err)
	}

	// O restante do record foi pulado: a próxima leitura vê o record 2
	full := make([]byte, 512)
	done, err = s.Read(full)
	if err != protocol.NoErr || done != 512 {
		t.Fatalf("next read: done=%d err=%v", done, err)
	}
	if full[0] != 8 {
		t.Fatalf("next record byte = %d, want 8", full[0])
	}
}

func TestSimulator_OverwriteTruncatesTail(t *testing.T) {
	// O byte seguinte ao último DATA/FILE é sempre um gap EOT; gravar no
	// meio da fita descarta o que havia adiante.
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	for i := 0; i < 4; i++ {
		writeRecord(t, s, bytes.Repeat([]byte{byte(i)}, 128))
	}
	if _, err := s.Mtio(protocol.MtioREW, 1); err != protocol.NoErr {
		t.Fatal("rewind")
	}
	if resid, err := s.Mtio(protocol.MtioFSR, 1); err != protocol.NoErr || resid != 0 {
		t.Fatal("FSR")
	}

	writeRecord(t, s, bytes.Repeat([]byte{0xEE}, 128))

	buf := make([]byte, 128)
	if _, err := s.Read(buf); err != protocol.EOFErr {
		t.Fatalf("read after overwrite = %v, want EOF_ERR (tail truncated)", err)
	}
}

func TestSimulator_LEOMFiresOnce(t *testing.T) {
	// LEOM dispara no máximo uma vez por open; depois as gravações ou
	// passam ou falham com IO duro no PEOM. Filemarks nunca disparam LEOM.
	path := newTapeFile(t)
	const limit = 256 * 1024
	const margin = 64 * 1024

	s := NewSimulator(limit, margin)
	if err := s.Open(path, true); err != protocol.NoErr {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rec := make([]byte, 32*1024)
	eomSeen := 0
	ioSeen := false

	for i := 0; i < 20; i++ {
		_, err := s.Write(rec)
		switch err {
		case protocol.NoErr:
		case protocol.EOMErr:
			eomSeen++
			// Filemark logo após o LEOM não dispara de novo
			if werr := s.WFM(); werr != protocol.NoErr {
				t.Fatalf("wfm after LEOM: %v", werr)
			}
		case protocol.IOErr:
			ioSeen = true
		default:
			t.Fatalf("write %d: %v", i, err)
		}
		if ioSeen {
			break
		}
	}

	if eomSeen != 1 {
		t.Fatalf("LEOM fired %d times, want exactly 1", eomSeen)
	}
	if !ioSeen {
		t.Fatal("hard IO at PEOM never seen")
	}
	if !s.SpaceLow() {
		t.Fatal("SpaceLow should report true past the LEOM margin")
	}
}

func TestSimulator_SpaceAccounting(t *testing.T) {
	path := newTapeFile(t)
	const limit = 1 << 20

	s := NewSimulator(limit, 64*1024)
	if err := s.Open(path, true); err != protocol.NoErr {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	st := s.SyncState()
	if !st.HaveSpace || st.TotalSpace != limit {
		t.Fatalf("total_space = %d (have=%v), want %d", st.TotalSpace, st.HaveSpace, limit)
	}

	writeRecord(t, s, make([]byte, 1024))
	st = s.SyncState()
	want := int64(limit - 2*gapLen - 1024)
	if st.SpaceRemain != want {
		t.Fatalf("space_remain = %d, want %d", st.SpaceRemain, want)
	}
}

func TestSimulator_WeofOnCloseFlushesFilemark(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	writeRecord(t, s, make([]byte, 64))
	s.Close()

	// O WEOF pendente vira um filemark no close
	s2 := openSim(t, path, false)
	defer s2.Close()
	if _, err := s2.Mtio(protocol.MtioREW, 1); err != protocol.NoErr {
		t.Fatal("rewind")
	}
	buf := make([]byte, 64)
	if done, err := s2.Read(buf); err != protocol.NoErr || done != 64 {
		t.Fatalf("read: done=%d err=%v", done, err)
	}
	if _, err := s2.Read(buf); err != protocol.EOFErr {
		t.Fatal("expected filemark after data")
	}
	if resid, err := s2.Mtio(protocol.MtioFSF, 1); err != protocol.NoErr || resid != 0 {
		t.Fatalf("FSF over flushed filemark: resid=%d err=%v", resid, err)
	}
	if got := s2.SyncState().FileNum; got != 1 {
		t.Fatalf("file_num = %d, want 1", got)
	}
}

func TestSimulator_MtioWriteFilemarks(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	resid, err := s.Mtio(protocol.MtioEOF, 3)
	if err != protocol.NoErr || resid != 0 {
		t.Fatalf("EOF op: resid=%d err=%v", resid, err)
	}
	if got := s.SyncState().FileNum; got != 3 {
		t.Fatalf("file_num = %d, want 3", got)
	}

	ro := NewSimulator(0, 64*1024)
	s.Close()
	if err := ro.Open(path, false); err != protocol.NoErr {
		t.Fatalf("reopen: %v", err)
	}
	defer ro.Close()
	if _, err := ro.Mtio(protocol.MtioEOF, 1); err != protocol.PermissionErr {
		t.Fatalf("EOF op read-only = %v, want PERMISSION_ERR", err)
	}
}

func TestSimulator_ZeroCountIO(t *testing.T) {
	path := newTapeFile(t)
	s := openSim(t, path, true)
	defer s.Close()

	if done, err := s.Write(nil); err != protocol.NoErr || done != 0 {
		t.Fatalf("zero write: done=%d err=%v", done, err)
	}
	if done, err := s.Read(nil); err != protocol.NoErr || done != 0 {
		t.Fatalf("zero read: done=%d err=%v", done, err)
	}
}
