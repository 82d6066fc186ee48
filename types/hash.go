package types

// GnuHashHeader is the fixed-size header at the start of a .gnu.hash
// section: nbucket, a symbol-table bias (the index of the first symbol
// covered by the hash table), the bloom-filter word count, and the
// bloom-filter shift amount.
type GnuHashHeader struct {
	Nbucket uint32
	Symbias uint32
	Nbloom  uint32
	Shift2  uint32
}

const GnuHashHeaderSize = 16

// SysvHashHeader is the fixed-size header at the start of a classic
// .hash section: bucket count then chain count.
type SysvHashHeader struct {
	Nbucket uint32
	Nchain  uint32
}

const SysvHashHeaderSize = 8
