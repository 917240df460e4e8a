//go:build linux

package i2c

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func openNull(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return &Bus{f: f, path: "/dev/null"}
}

func TestTransfer_InvalidAddr(t *testing.T) {
	b := openNull(t)
	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).WriteReg(0x00, 0x01)
		if err == nil || !strings.Contains(err.Error(), "invalid addr") {
			t.Fatalf("addr=0x%X err=%v want invalid addr", addr, err)
		}
	}
}

func TestTransfer_EmptyIsNoop(t *testing.T) {
	b := openNull(t)
	if err := b.Dev(0x68).WriteRead(nil, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestTransfer_ClosedBus(t *testing.T) {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	b := &Bus{f: f, path: "/dev/null"}
	d := b.Dev(0x0C)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := d.ReadRegU8(0x01); !errors.Is(err, errClosed) {
		t.Fatalf("err=%v want %v", err, errClosed)
	}
}

func TestDev_NilSafe(t *testing.T) {
	var b *Bus
	if b.Dev(0x68) != nil {
		t.Fatalf("expected nil dev from nil bus")
	}
	var d *Dev
	if err := d.WriteReg(0, 0); err == nil {
		t.Fatalf("expected error from nil dev")
	}
}
