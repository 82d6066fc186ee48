package elfloader

import (
	"encoding/binary"

	"github.com/blacktop/go-elfloader/types"
)

// readPhdrs reads the program header table into a slice of Phdr64
// (32-bit entries are widened on read so the rest of the loader only
// ever deals with one shape, matching how the teacher's FileTOC holds
// a single Go-native Load slice regardless of the on-disk class).
func readPhdrs(r Reader, h *ElfHeader) ([]types.Phdr64, error) {
	off, _ := h.PhdrRange()
	out := make([]types.Phdr64, h.Phnum)
	if h.Is64 {
		buf := make([]byte, types.Phdr64Size)
		for i := range out {
			if err := r.ReadAt(buf, int64(off)+int64(i)*int64(types.Phdr64Size)); err != nil {
				return nil, wrapErr(KindParsePhdr, r.Name(), "read phdr", err)
			}
			out[i] = decodePhdr64(buf, h.ByteOrder)
		}
		return out, nil
	}
	buf := make([]byte, types.Phdr32Size)
	for i := range out {
		if err := r.ReadAt(buf, int64(off)+int64(i)*int64(types.Phdr32Size)); err != nil {
			return nil, wrapErr(KindParsePhdr, r.Name(), "read phdr", err)
		}
		out[i] = widenPhdr32(buf, h.ByteOrder)
	}
	return out, nil
}

func decodePhdr64(b []byte, bo binary.ByteOrder) types.Phdr64 {
	return types.Phdr64{
		Type:   bo.Uint32(b[0:4]),
		Flags:  bo.Uint32(b[4:8]),
		Off:    bo.Uint64(b[8:16]),
		Vaddr:  bo.Uint64(b[16:24]),
		Paddr:  bo.Uint64(b[24:32]),
		Filesz: bo.Uint64(b[32:40]),
		Memsz:  bo.Uint64(b[40:48]),
		Align:  bo.Uint64(b[48:56]),
	}
}

func widenPhdr32(b []byte, bo binary.ByteOrder) types.Phdr64 {
	return types.Phdr64{
		Type:   bo.Uint32(b[0:4]),
		Off:    uint64(bo.Uint32(b[4:8])),
		Vaddr:  uint64(bo.Uint32(b[8:12])),
		Paddr:  uint64(bo.Uint32(b[12:16])),
		Filesz: uint64(bo.Uint32(b[16:20])),
		Memsz:  uint64(bo.Uint32(b[20:24])),
		Flags:  bo.Uint32(b[24:28]),
		Align:  uint64(bo.Uint32(b[28:32])),
	}
}

// readShdrs reads the section header table, widened to Shdr64 the same
// way readPhdrs widens program headers.
func readShdrs(r Reader, h *ElfHeader) ([]types.Shdr64, error) {
	off, _ := h.ShdrRange()
	out := make([]types.Shdr64, h.Shnum)
	if h.Is64 {
		buf := make([]byte, types.Shdr64Size)
		for i := range out {
			if err := r.ReadAt(buf, int64(off)+int64(i)*int64(types.Shdr64Size)); err != nil {
				return nil, wrapErr(KindParsePhdr, r.Name(), "read shdr", err)
			}
			out[i] = decodeShdr64(buf, h.ByteOrder)
		}
		return out, nil
	}
	buf := make([]byte, types.Shdr32Size)
	for i := range out {
		if err := r.ReadAt(buf, int64(off)+int64(i)*int64(types.Shdr32Size)); err != nil {
			return nil, wrapErr(KindParsePhdr, r.Name(), "read shdr", err)
		}
		out[i] = widenShdr32(buf, h.ByteOrder)
	}
	return out, nil
}

func decodeShdr64(b []byte, bo binary.ByteOrder) types.Shdr64 {
	return types.Shdr64{
		Name:      bo.Uint32(b[0:4]),
		Type:      bo.Uint32(b[4:8]),
		Flags:     bo.Uint64(b[8:16]),
		Addr:      bo.Uint64(b[16:24]),
		Off:       bo.Uint64(b[24:32]),
		Size:      bo.Uint64(b[32:40]),
		Link:      bo.Uint32(b[40:44]),
		Info:      bo.Uint32(b[44:48]),
		Addralign: bo.Uint64(b[48:56]),
		Entsize:   bo.Uint64(b[56:64]),
	}
}

func widenShdr32(b []byte, bo binary.ByteOrder) types.Shdr64 {
	return types.Shdr64{
		Name:      bo.Uint32(b[0:4]),
		Type:      bo.Uint32(b[4:8]),
		Flags:     uint64(bo.Uint32(b[8:12])),
		Addr:      uint64(bo.Uint32(b[12:16])),
		Off:       uint64(bo.Uint32(b[16:20])),
		Size:      uint64(bo.Uint32(b[20:24])),
		Link:      bo.Uint32(b[24:28]),
		Info:      bo.Uint32(b[28:32]),
		Addralign: uint64(bo.Uint32(b[32:36])),
		Entsize:   uint64(bo.Uint32(b[36:40])),
	}
}

// readDynEntries reads the dynamic array starting at file offset off,
// entry by entry, up to and excluding the DT_NULL terminator.
func readDynEntries(r Reader, off uint64, is64 bool, bo binary.ByteOrder) ([]types.Dyn64, error) {
	var out []types.Dyn64
	entSize := int64(types.Dyn32Size)
	if is64 {
		entSize = int64(types.Dyn64Size)
	}
	buf := make([]byte, entSize)
	for i := 0; ; i++ {
		if err := r.ReadAt(buf, int64(off)+int64(i)*entSize); err != nil {
			return nil, wrapErr(KindParseDynamic, r.Name(), "read dynamic entry", err)
		}
		var d types.Dyn64
		if is64 {
			d.Tag = int64(bo.Uint64(buf[0:8]))
			d.Val = bo.Uint64(buf[8:16])
		} else {
			d.Tag = int64(int32(bo.Uint32(buf[0:4])))
			d.Val = uint64(bo.Uint32(buf[4:8]))
		}
		out = append(out, d)
		if types.DynTag(d.Tag) == types.DT_NULL {
			break
		}
		if i > 1<<20 {
			return nil, newErr(KindParseDynamic, r.Name(), "dynamic array missing DT_NULL terminator")
		}
	}
	return out, nil
}

func readSym(data []byte, idx int, is64 bool, bo binary.ByteOrder) types.Sym64 {
	if is64 {
		off := idx * types.Sym64Size
		b := data[off : off+types.Sym64Size]
		return types.Sym64{
			Name:  bo.Uint32(b[0:4]),
			Info:  b[4],
			Other: b[5],
			Shndx: bo.Uint16(b[6:8]),
			Value: bo.Uint64(b[8:16]),
			Size:  bo.Uint64(b[16:24]),
		}
	}
	off := idx * types.Sym32Size
	b := data[off : off+types.Sym32Size]
	return types.Sym64{
		Name:  bo.Uint32(b[0:4]),
		Value: uint64(bo.Uint32(b[4:8])),
		Size:  uint64(bo.Uint32(b[8:12])),
		Info:  b[12],
		Other: b[13],
		Shndx: bo.Uint16(b[14:16]),
	}
}

func cstr(data []byte, off uint32) string {
	if int(off) >= len(data) {
		return ""
	}
	end := off
	for int(end) < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
