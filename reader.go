package elfloader

import "context"

// Reader is the file-I/O collaborator (spec.md §6). It is deliberately
// narrow: the loader only ever needs a name for diagnostics, exact-fill
// reads at an offset, and an optional raw file descriptor for
// file-backed mapping.
type Reader interface {
	Name() string
	ReadAt(buf []byte, offset int64) error
	// Fd returns an OS file descriptor usable for file-backed mmap, and
	// true, when the Reader is backed by a real file; otherwise
	// (false, _) and the segment mapper falls back to anonymous
	// mappings filled via ReadAt.
	Fd() (uintptr, bool)
}

// AsyncReader additionally supports a suspending read; implementing it
// is optional. The loader itself never calls ReadAtContext: every read
// it makes goes through Reader.ReadAt, so synchronous Reader
// implementations never need to implement this.
type AsyncReader interface {
	Reader
	ReadAtContext(ctx context.Context, buf []byte, offset int64) error
}

// BytesReader adapts a byte slice to Reader, per spec.md §6 "Any byte
// slice is a valid Reader (offset-based copy)".
type BytesReader struct {
	Data  []byte
	Label string
}

func (r BytesReader) Name() string {
	if r.Label != "" {
		return r.Label
	}
	return "<bytes>"
}

func (r BytesReader) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset > int64(len(r.Data)) {
		return newErr(KindIO, r.Name(), "read offset out of range")
	}
	n := copy(buf, r.Data[offset:])
	if n != len(buf) {
		return newErr(KindIO, r.Name(), "short read: truncated buffer")
	}
	return nil
}

func (r BytesReader) Fd() (uintptr, bool) { return 0, false }
