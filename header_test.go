package elfloader

import (
	"errors"
	"testing"

	"github.com/blacktop/go-elfloader/internal/elftest"
	"github.com/blacktop/go-elfloader/types"
)

func TestParseHeaderDynamic(t *testing.T) {
	layout := elftest.BuildDynamic(elftest.DynamicSpec{
		Machine:  types.EM_X86_64,
		TextSize: 64,
		DataSize: 32,
	})
	h, err := ParseHeader(elftest.NewBytesReader("fixture", layout.Data))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Type != types.ET_DYN {
		t.Errorf("Type = %v, want ET_DYN", h.Type)
	}
	if h.Machine != types.EM_X86_64 {
		t.Errorf("Machine = %v, want EM_X86_64", h.Machine)
	}
	if !h.Is64 {
		t.Error("Is64 = false, want true")
	}
	if h.Phnum != 2 {
		t.Errorf("Phnum = %d, want 2", h.Phnum)
	}
}

func TestParseHeaderObject(t *testing.T) {
	data := elftest.BuildObject(elftest.ObjectSpec{Machine: types.EM_AARCH64})
	h, err := ParseHeader(elftest.NewBytesReader("fixture", data))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Type != types.ET_REL {
		t.Errorf("Type = %v, want ET_REL", h.Type)
	}
	if h.Machine != types.EM_AARCH64 {
		t.Errorf("Machine = %v, want EM_AARCH64", h.Machine)
	}
}

func TestParseHeaderBadMagic(t *testing.T) {
	layout := elftest.BuildDynamic(elftest.DynamicSpec{Machine: types.EM_X86_64, TextSize: 8})
	bad := append([]byte(nil), layout.Data...)
	bad[0] = 0

	_, err := ParseHeader(elftest.NewBytesReader("fixture", bad))
	if err == nil {
		t.Fatal("ParseHeader on corrupted magic: want error, got nil")
	}
	var ferr *Error
	if !errors.As(err, &ferr) || ferr.Kind != KindParseEhdr {
		t.Errorf("error = %v, want KindParseEhdr", err)
	}
}

func TestParseHeaderUnsupportedMachine(t *testing.T) {
	layout := elftest.BuildDynamic(elftest.DynamicSpec{Machine: types.EM_ARM, TextSize: 8})
	_, err := ParseHeader(elftest.NewBytesReader("fixture", layout.Data))
	if err == nil {
		t.Fatal("ParseHeader with an unsupported e_machine: want error, got nil")
	}
}
