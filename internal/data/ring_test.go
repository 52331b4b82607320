// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package data

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"
)

func TestRing_WriteReadSequential(t *testing.T) {
	r := NewRing(64)

	go func() {
		for i := 0; i < 10; i++ {
			chunk := bytes.Repeat([]byte{byte(i)}, 40)
			if _, err := r.Write(chunk); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		r.Close(nil)
	}()

	var got []byte
	buf := make([]byte, 32)
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}

	if len(got) != 400 {
		t.Fatalf("read %d bytes, want 400", len(got))
	}
	for i := 0; i < 10; i++ {
		for j := 0; j < 40; j++ {
			if got[i*40+j] != byte(i) {
				t.Fatalf("byte (%d,%d) = %d", i, j, got[i*40+j])
			}
		}
	}
}

func TestRing_TryReadNonBlocking(t *testing.T) {
	r := NewRing(16)

	buf := make([]byte, 8)
	n, done := r.TryRead(buf)
	if n != 0 || done {
		t.Fatalf("empty ring: n=%d done=%v", n, done)
	}

	r.Write([]byte("abc"))
	n, done = r.TryRead(buf)
	if n != 3 || done || !bytes.Equal(buf[:3], []byte("abc")) {
		t.Fatalf("n=%d done=%v buf=%q", n, done, buf[:n])
	}

	r.Close(nil)
	n, done = r.TryRead(buf)
	if n != 0 || !done {
		t.Fatalf("closed drained ring: n=%d done=%v", n, done)
	}
}

func TestRing_TryWriteBackpressure(t *testing.T) {
	r := NewRing(8)

	n, open := r.TryWrite(bytes.Repeat([]byte{1}, 20))
	if !open || n != 8 {
		t.Fatalf("try write = %d open=%v, want 8/true", n, open)
	}
	n, open = r.TryWrite([]byte{2})
	if !open || n != 0 {
		t.Fatalf("full ring try write = %d open=%v, want 0/true", n, open)
	}

	r.Close(nil)
	if _, open = r.TryWrite([]byte{3}); open {
		t.Fatal("write accepted on closed ring")
	}
}

func TestRing_WriteAfterCloseFails(t *testing.T) {
	r := NewRing(8)
	r.Close(nil)
	if _, err := r.Write([]byte("x")); err != ErrRingClosed {
		t.Fatalf("err = %v, want ErrRingClosed", err)
	}
}

func TestRing_CloseErrPropagates(t *testing.T) {
	r := NewRing(8)
	want := io.ErrUnexpectedEOF
	r.Close(want)
	if _, err := r.Read(make([]byte, 4)); err != want {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestRing_LargeTransferIntegrity(t *testing.T) {
	r := NewRing(1024)
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	wantSum := sha256.Sum256(payload)

	go func() {
		r.Write(payload)
		r.Close(nil)
	}()

	h := sha256.New()
	buf := make([]byte, 700)
	for {
		n, err := r.Read(buf)
		h.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !bytes.Equal(h.Sum(nil), wantSum[:]) {
		t.Fatal("payload corrupted through the ring")
	}
}
