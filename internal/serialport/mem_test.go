package serialport

import (
	"bytes"
	"io"
	"testing"
)

func TestMemPortWriteRecordsCalls(t *testing.T) {
	m := NewMemPort()
	if _, err := m.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	writes := m.Writes()
	if len(writes) != 1 || string(writes[0]) != "hello" {
		t.Fatalf("got %v", writes)
	}
}

func TestMemPortFeedThenRead(t *testing.T) {
	m := NewMemPort()
	m.Feed([]byte("identify_complete\n"))
	buf := make([]byte, 64)
	n, err := m.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("identify_complete\n")) {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestMemPortCloseUnblocksRead(t *testing.T) {
	m := NewMemPort()
	done := make(chan error, 1)
	go func() {
		_, err := m.Read(make([]byte, 16))
		done <- err
	}()
	m.Close()
	if err := <-done; err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestMemPortWriteAfterCloseFails(t *testing.T) {
	m := NewMemPort()
	m.Close()
	if _, err := m.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to closed port")
	}
}
