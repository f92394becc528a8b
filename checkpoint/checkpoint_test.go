package checkpoint_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"vmmcore/checkpoint"
	"vmmcore/cpustate"
)

func TestWriteReadRegionRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	if err := w.WriteRegion("framebuffer0", []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	if err := w.WriteRegion("lapic0", []byte{0xff}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}

	r := checkpoint.NewReader(&buf)
	regions, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if regions[0].Tag != "framebuffer0" || !bytes.Equal(regions[0].Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("region 0 = %+v", regions[0])
	}
	if regions[1].Tag != "lapic0" || !bytes.Equal(regions[1].Data, []byte{0xff}) {
		t.Fatalf("region 1 = %+v", regions[1])
	}
}

func TestWriteRegionRejectsOversizedTag(t *testing.T) {
	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	longTag := strings.Repeat("x", checkpoint.MaxTagLen+1)
	if err := w.WriteRegion(longTag, nil); !errors.Is(err, checkpoint.ErrTagTooLong) {
		t.Fatalf("WriteRegion = %v, want ErrTagTooLong", err)
	}
}

func TestReadRegionReportsEOFAtStreamEnd(t *testing.T) {
	r := checkpoint.NewReader(bytes.NewReader(nil))
	if _, err := r.ReadRegion(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadRegion on empty stream = %v, want io.EOF", err)
	}
}

func TestCPUCheckpointRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	cp := cpustate.Checkpoint{
		Regs:      cpustate.Regs{RAX: 0x1111, RIP: 0x7c00},
		GuestCR0:  0x80000011,
		GuestCR3:  0x1000,
		GuestCR4:  0x20,
		GuestEFER: 0x500,
	}
	cp.FPU.Activated = true
	cp.FPU.ArchBuffer[0] = 0xaa

	if err := w.WriteCPUCheckpoint(0, cp); err != nil {
		t.Fatalf("WriteCPUCheckpoint: %v", err)
	}

	r := checkpoint.NewReader(&buf)
	region, err := r.ReadRegion()
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if region.Tag != checkpoint.CPUTag(0) {
		t.Fatalf("tag = %q, want %q", region.Tag, checkpoint.CPUTag(0))
	}

	got, err := checkpoint.ReadCPUCheckpoint(region)
	if err != nil {
		t.Fatalf("ReadCPUCheckpoint: %v", err)
	}
	if got.Regs.RAX != 0x1111 || got.Regs.RIP != 0x7c00 {
		t.Fatalf("got.Regs = %+v", got.Regs)
	}
	if got.GuestCR3 != 0x1000 || !got.FPU.Activated || got.FPU.ArchBuffer[0] != 0xaa {
		t.Fatalf("round-tripped checkpoint mismatch: %+v", got)
	}
}

func TestRAMPagesRoundTrip(t *testing.T) {
	ram := make([]byte, 3*checkpoint.DefaultPageSize)
	for i := range ram {
		ram[i] = byte(i)
	}

	var buf bytes.Buffer
	w := checkpoint.NewWriter(&buf)
	if err := checkpoint.WriteRAMPages(w, ram, checkpoint.DefaultPageSize); err != nil {
		t.Fatalf("WriteRAMPages: %v", err)
	}

	restored := make([]byte, len(ram))
	r := checkpoint.NewReader(&buf)
	regions, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(regions) != 3 {
		t.Fatalf("got %d RAM regions, want 3", len(regions))
	}
	for _, region := range regions {
		offset, ok := checkpoint.ParseRAMPageTag(region.Tag)
		if !ok {
			t.Fatalf("tag %q did not parse as a RAM page tag", region.Tag)
		}
		if err := checkpoint.RestoreRAMPage(restored, offset, region.Data); err != nil {
			t.Fatalf("RestoreRAMPage: %v", err)
		}
	}
	if !bytes.Equal(restored, ram) {
		t.Fatalf("restored RAM does not match original")
	}
}

func TestParseRAMPageTagRejectsOtherTags(t *testing.T) {
	if _, ok := checkpoint.ParseRAMPageTag("cpu0"); ok {
		t.Fatalf("ParseRAMPageTag(\"cpu0\") = ok, want rejected")
	}
}
