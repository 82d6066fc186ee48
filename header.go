package elfloader

import (
	"encoding/binary"

	"github.com/blacktop/go-elfloader/types"
)

// ElfHeader is the parsed and validated ELF file header (spec.md §3).
// Grounded on original_source/src/elf/ehdr.rs's validation order:
// magic, class, data encoding, version, then machine.
type ElfHeader struct {
	Is64      bool
	ByteOrder binary.ByteOrder
	Class     types.Class
	Data      types.Data
	OSABI     types.OSABI
	Type      types.Type
	Machine   types.Machine

	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// PhdrRange returns the byte range of the program header table.
func (h *ElfHeader) PhdrRange() (off, size uint64) {
	return h.Phoff, uint64(h.Phentsize) * uint64(h.Phnum)
}

// ShdrRange returns the byte range of the section header table.
func (h *ElfHeader) ShdrRange() (off, size uint64) {
	return h.Shoff, uint64(h.Shentsize) * uint64(h.Shnum)
}

// ParseHeader reads and validates the ELF header from r, per spec.md
// §4.A. It reads exactly the header's size (52 or 64 bytes, determined
// by peeking EI_CLASS) and rejects with a *Error{Kind: KindParseEhdr}
// on any structural violation.
func ParseHeader(r Reader) (*ElfHeader, error) {
	var ident [types.EI_NIDENT]byte
	if err := r.ReadAt(ident[:], 0); err != nil {
		return nil, wrapErr(KindParseEhdr, r.Name(), "read e_ident", err)
	}
	if ident[types.EI_MAG0] != types.ElfMagic[0] || ident[types.EI_MAG1] != types.ElfMagic[1] ||
		ident[types.EI_MAG2] != types.ElfMagic[2] || ident[types.EI_MAG3] != types.ElfMagic[3] {
		return nil, newErr(KindParseEhdr, r.Name(), "bad magic: not an ELF file")
	}

	class := types.Class(ident[types.EI_CLASS])
	if class != types.ELFCLASS32 && class != types.ELFCLASS64 {
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported EI_CLASS")
	}
	data := types.Data(ident[types.EI_DATA])
	if data != types.ELFDATA2LSB {
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported EI_DATA: only little-endian targets are supported")
	}
	if types.Version(ident[types.EI_VERSION]) != types.EV_CURRENT {
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported EI_VERSION")
	}

	bo := binary.LittleEndian
	h := &ElfHeader{
		Is64:      class == types.ELFCLASS64,
		ByteOrder: bo,
		Class:     class,
		Data:      data,
		OSABI:     types.OSABI(ident[types.EI_OSABI]),
	}

	if h.Is64 {
		var eh types.Ehdr64
		if err := readStruct64(r, &eh, bo); err != nil {
			return nil, wrapErr(KindParseEhdr, r.Name(), "read Ehdr64", err)
		}
		h.Type = types.Type(eh.Type)
		h.Machine = types.Machine(eh.Machine)
		h.Entry = eh.Entry
		h.Phoff = eh.Phoff
		h.Shoff = eh.Shoff
		h.Flags = eh.Flags
		h.Phentsize = eh.Phentsize
		h.Phnum = eh.Phnum
		h.Shentsize = eh.Shentsize
		h.Shnum = eh.Shnum
		h.Shstrndx = eh.Shstrndx
	} else {
		var eh types.Ehdr32
		if err := readStruct32(r, &eh, bo); err != nil {
			return nil, wrapErr(KindParseEhdr, r.Name(), "read Ehdr32", err)
		}
		h.Type = types.Type(eh.Type)
		h.Machine = types.Machine(eh.Machine)
		h.Entry = uint64(eh.Entry)
		h.Phoff = uint64(eh.Phoff)
		h.Shoff = uint64(eh.Shoff)
		h.Flags = eh.Flags
		h.Phentsize = eh.Phentsize
		h.Phnum = eh.Phnum
		h.Shentsize = eh.Shentsize
		h.Shnum = eh.Shnum
		h.Shstrndx = eh.Shstrndx
	}

	if arch := h.Machine; arch != types.EM_X86_64 && arch != types.EM_AARCH64 {
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported e_machine: "+arch.String())
	}
	switch h.Type {
	case types.ET_DYN, types.ET_EXEC, types.ET_REL:
	default:
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported e_type: "+h.Type.String())
	}

	return h, nil
}

// readStruct64/readStruct32 read a fixed-size little-endian ELF header
// directly into Go struct fields without encoding/binary's reflection
// path, since both structs are plain fixed-width fields in file order.
func readStruct64(r Reader, eh *types.Ehdr64, bo binary.ByteOrder) error {
	buf := make([]byte, types.Ehdr64Size)
	if err := r.ReadAt(buf, 0); err != nil {
		return err
	}
	copy(eh.Ident[:], buf[:types.EI_NIDENT])
	b := buf[types.EI_NIDENT:]
	eh.Type = bo.Uint16(b[0:2])
	eh.Machine = bo.Uint16(b[2:4])
	eh.Version = bo.Uint32(b[4:8])
	eh.Entry = bo.Uint64(b[8:16])
	eh.Phoff = bo.Uint64(b[16:24])
	eh.Shoff = bo.Uint64(b[24:32])
	eh.Flags = bo.Uint32(b[32:36])
	eh.Ehsize = bo.Uint16(b[36:38])
	eh.Phentsize = bo.Uint16(b[38:40])
	eh.Phnum = bo.Uint16(b[40:42])
	eh.Shentsize = bo.Uint16(b[42:44])
	eh.Shnum = bo.Uint16(b[44:46])
	eh.Shstrndx = bo.Uint16(b[46:48])
	return nil
}

func readStruct32(r Reader, eh *types.Ehdr32, bo binary.ByteOrder) error {
	buf := make([]byte, types.Ehdr32Size)
	if err := r.ReadAt(buf, 0); err != nil {
		return err
	}
	copy(eh.Ident[:], buf[:types.EI_NIDENT])
	b := buf[types.EI_NIDENT:]
	eh.Type = bo.Uint16(b[0:2])
	eh.Machine = bo.Uint16(b[2:4])
	eh.Version = bo.Uint32(b[4:8])
	eh.Entry = bo.Uint32(b[8:12])
	eh.Phoff = bo.Uint32(b[12:16])
	eh.Shoff = bo.Uint32(b[16:20])
	eh.Flags = bo.Uint32(b[20:24])
	eh.Ehsize = bo.Uint16(b[24:26])
	eh.Phentsize = bo.Uint16(b[26:28])
	eh.Phnum = bo.Uint16(b[28:30])
	eh.Shentsize = bo.Uint16(b[30:32])
	eh.Shnum = bo.Uint16(b[32:34])
	eh.Shstrndx = bo.Uint16(b[34:36])
	return nil
}
