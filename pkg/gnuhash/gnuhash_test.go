package gnuhash

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSysvHashKnownValues(t *testing.T) {
	// Values from the gABI's own elf_hash() worked example.
	tests := []struct {
		name string
		want uint32
	}{
		{"", 0},
		{"printf", 0x077905a6},
		{"exit", 0x0006cf04},
		{"syscall", 0x0b09985c},
	}
	for _, tt := range tests {
		if got := SysvHash(tt.name); got != tt.want {
			t.Errorf("SysvHash(%q) = %#x, want %#x", tt.name, got, tt.want)
		}
	}
}

func buildSysv(bo binary.ByteOrder, nbucket uint32, buckets, chain []uint32) []byte {
	data := make([]byte, 8+len(buckets)*4+len(chain)*4)
	bo.PutUint32(data[0:4], nbucket)
	bo.PutUint32(data[4:8], uint32(len(chain)))
	off := 8
	for _, b := range buckets {
		bo.PutUint32(data[off:], b)
		off += 4
	}
	for _, c := range chain {
		bo.PutUint32(data[off:], c)
		off += 4
	}
	return data
}

func TestSysvTableLookupSingleBucket(t *testing.T) {
	// index 0 is always the reserved STN_UNDEF slot; three live symbols
	// share bucket 0 and are found by walking the chain in order.
	names := []string{"alpha", "beta", "gamma"}
	data := buildSysv(binary.LittleEndian, 1, []uint32{1}, []uint32{0, 2, 3, 0})

	table, err := ParseSysv(data, binary.LittleEndian)
	if err != nil {
		t.Fatalf("ParseSysv: %v", err)
	}
	want := &SysvTable{Nbucket: 1, Nchain: 4, Buckets: []uint32{1}, Chain: []uint32{0, 2, 3, 0}}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("ParseSysv mismatch (-want +got):\n%s", diff)
	}

	for i, name := range names {
		wantIdx := uint32(i + 1)
		p := Precompute(name)
		idx, ok := table.Lookup(p, name, func(symIndex uint32) bool { return symIndex == wantIdx })
		if !ok || idx != wantIdx {
			t.Errorf("Lookup(%q) = (%d, %v), want (%d, true)", name, idx, ok, wantIdx)
		}
	}

	if _, ok := table.Lookup(Precompute("missing"), "missing", func(uint32) bool { return false }); ok {
		t.Error("Lookup(\"missing\") unexpectedly succeeded")
	}
}

func TestSysvTableLookupEmptyBucket(t *testing.T) {
	data := buildSysv(binary.LittleEndian, 1, []uint32{0}, []uint32{0})
	table, err := ParseSysv(data, binary.LittleEndian)
	if err != nil {
		t.Fatalf("ParseSysv: %v", err)
	}
	if _, ok := table.Lookup(Precompute("x"), "x", func(uint32) bool { return true }); ok {
		t.Error("Lookup on an empty chain unexpectedly succeeded")
	}
}

func TestParseSysvTruncated(t *testing.T) {
	if _, err := ParseSysv([]byte{0, 0, 0}, binary.LittleEndian); err == nil {
		t.Fatal("ParseSysv on a truncated header: want error, got nil")
	}
	data := buildSysv(binary.LittleEndian, 1, []uint32{0}, []uint32{0})
	if _, err := ParseSysv(data[:len(data)-1], binary.LittleEndian); err == nil {
		t.Fatal("ParseSysv on a truncated chain array: want error, got nil")
	}
}

func TestGnuHashPrecomputeConsistency(t *testing.T) {
	p := Precompute("my_func")
	if p.GnuHash != Hash("my_func") {
		t.Errorf("Precompute.GnuHash = %#x, want %#x", p.GnuHash, Hash("my_func"))
	}
	if p.BloomOfs != p.GnuHash/wordBits {
		t.Errorf("Precompute.BloomOfs = %d, want %d", p.BloomOfs, p.GnuHash/wordBits)
	}
}
