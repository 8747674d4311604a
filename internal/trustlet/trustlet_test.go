//go:build linux

package trustlet

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func testHeader() Header {
	return Header{
		Version:      2<<16 | 5,
		ServiceType:  1,
		NumInstances: 1,
		UUID:         UUID{0x07, 0x05, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01},
		DriverID:     0x1234,
		NumThreads:   1,
		Text:         Segment{Start: 0x1000, Length: 0x200},
		Data:         Segment{Start: 0x2000, Length: 0x80},
		BSSLength:    0x40,
		Entry:        0x1004,
	}
}

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "lowercase", in: "07050000000000000000000000000001"},
		{name: "uppercase", in: "0705000000000000000000000000000A"},
		{name: "dashed form", in: "07050000-0000-0000-0000-000000000001", wantErr: true},
		{name: "too short", in: "0705", wantErr: true},
		{name: "not hex", in: "0705000000000000000000000000000z", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUUID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseUUID failed: %v", err)
			}
			if u[0] != 0x07 || u[1] != 0x05 {
				t.Errorf("unexpected bytes: %x", u[:])
			}
		})
	}

	u, _ := ParseUUID("0705000000000000000000000000000A")
	if got := u.String(); got != "0705000000000000000000000000000a" {
		t.Errorf("String: got %q", got)
	}
	if got := u.Canonical(); got != "07050000-0000-0000-0000-00000000000a" {
		t.Errorf("Canonical: got %q", got)
	}
}

func TestParseHeader(t *testing.T) {
	want := testHeader()
	raw, _ := want.MarshalBinary()

	got, err := ParseHeader(append(raw, 0xde, 0xad))
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if got != want {
		t.Errorf("header mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestParseHeaderRejects(t *testing.T) {
	good, _ := testHeader().MarshalBinary()

	badMagic := bytes.Clone(good)
	badMagic[0] = 'X'

	oldVersion := testHeader()
	oldVersion.Version = 1 << 16
	v1, _ := oldVersion.MarshalBinary()

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"truncated", good[:HeaderSize-1]},
		{"bad magic", badMagic},
		{"version 1", v1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHeader(tt.in); !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("expected ErrInvalidHeader, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	raw, _ := testHeader().MarshalBinary()
	image := append(raw, bytes.Repeat([]byte{0x90}, 4096)...)

	path := filepath.Join(dir, "07050000000000000000000000000001.drbin")
	if err := os.WriteFile(path, image, 0600); err != nil {
		t.Fatal(err)
	}

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.ServiceType() != 1 {
		t.Errorf("ServiceType: got %d, want 1", img.ServiceType())
	}
	if !bytes.Equal(img.Data, image) {
		t.Error("image data differs from file contents")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.tlbin")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}

	junk := filepath.Join(dir, "junk.tlbin")
	if err := os.WriteFile(junk, []byte("not a trustlet"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(junk); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}
