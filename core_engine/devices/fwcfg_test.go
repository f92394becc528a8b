package devices_test

import (
	"testing"

	"vmmcore/core_engine/devices"
)

func selectKey(t *testing.T, d *devices.FWCfgDevice, key uint16) {
	t.Helper()
	buf := []byte{byte(key), byte(key >> 8)}
	if err := d.HandleIO(devices.FWCfgSelectorPort, devices.IODirectionOut, 2, buf); err != nil {
		t.Fatalf("select key 0x%x: %v", key, err)
	}
}

func readBytes(t *testing.T, d *devices.FWCfgDevice, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	for len(out) < n {
		buf := make([]byte, 1)
		if err := d.HandleIO(devices.FWCfgDataPort, devices.IODirectionIn, 1, buf); err != nil {
			t.Fatalf("read data: %v", err)
		}
		out = append(out, buf[0])
	}
	return out
}

func TestFWCfgSignature(t *testing.T) {
	d := devices.NewFWCfgDevice()
	selectKey(t, d, devices.FWCfgKeySignature)
	got := readBytes(t, d, 4)
	if string(got) != "VMMC" {
		t.Fatalf("signature = %q, want VMMC", got)
	}
}

func TestFWCfgAddFileRoundTrips(t *testing.T) {
	d := devices.NewFWCfgDevice()
	key := d.AddFile("boot/cmdline", []byte("console=ttyS0"))

	selectKey(t, d, key)
	got := readBytes(t, d, len("console=ttyS0"))
	if string(got) != "console=ttyS0" {
		t.Fatalf("file contents = %q, want %q", got, "console=ttyS0")
	}
}

func TestFWCfgReadPastEndReturnsZero(t *testing.T) {
	d := devices.NewFWCfgDevice()
	key := d.AddFile("short", []byte{0xAA})
	selectKey(t, d, key)

	readBytes(t, d, 1)
	tail := readBytes(t, d, 3)
	for _, b := range tail {
		if b != 0 {
			t.Fatalf("byte past end of entry = 0x%x, want 0", b)
		}
	}
}

func TestFWCfgSelectorRequiresWordWrite(t *testing.T) {
	d := devices.NewFWCfgDevice()
	err := d.HandleIO(devices.FWCfgSelectorPort, devices.IODirectionOut, 1, []byte{0})
	if err == nil {
		t.Fatalf("expected error for byte-sized selector write")
	}
}

func TestFWCfgDataPortRejectsWrite(t *testing.T) {
	d := devices.NewFWCfgDevice()
	err := d.HandleIO(devices.FWCfgDataPort, devices.IODirectionOut, 1, []byte{0})
	if err == nil {
		t.Fatalf("expected error writing to the read-only data port")
	}
}
