// Package relrchain decodes the DT_RELR compressed relative-relocation
// format (spec.md §4.G Pass 1 "RELR compressed format"): a stream of
// machine words alternating between *anchor* words (an address, low bit
// clear) and *bitmap* words (low bit set, one bit per following machine
// word in the page).
//
// Grounded on the teacher's deleted pkg/fixupchains, whose
// walkDcFixupChain decodes dyld's chained-fixup page-start/bitmap
// format with the same anchor-then-follow-bits shape; RELR is ELF's
// much simpler cousin of that same idea applied to a flat address
// range instead of per-segment page tables.
package relrchain

// Entry is one patch site produced by decoding a RELR stream: Addr is
// the absolute address (already rebased by the caller if relevant) that
// must receive `base + *Addr` during relocation pass 1.
type Entry struct {
	Addr uint64
}

// Decode walks a RELR word stream (already rebased to the module's
// base, per spec.md's "RELR entry ... is implicit") and returns every
// address that pass 1 must patch. wordSize is 8 on every architecture
// this loader targets.
func Decode(words []uint64, wordSize uint64) []Entry {
	var out []Entry
	var i int
	for i < len(words) {
		anchor := words[i]
		if anchor&1 != 0 {
			// A bitmap word with no preceding anchor in this call is
			// malformed input; the caller is expected to always start
			// a chain on an anchor. Skip defensively rather than panic.
			i++
			continue
		}
		out = append(out, Entry{Addr: anchor})
		base := anchor + wordSize
		i++
		for i < len(words) && words[i]&1 != 0 {
			bitmap := words[i]
			bitmap >>= 1 // bit 0 of the word itself is the tag bit
			for bit := uint64(0); bitmap != 0; bit++ {
				if bitmap&1 != 0 {
					out = append(out, Entry{Addr: base + bit*wordSize})
				}
				bitmap >>= 1
			}
			base += (wordSize*8 - 1) * wordSize
			i++
		}
	}
	return out
}
