// Package osmapper is the default golang.org/x/sys/unix-backed
// implementation of the loader's Mapper and a file-backed Reader,
// grounded on other_examples/.../sliverarmory-reflektor/memmod_linux.go
// and other_examples/.../zboralski-galago/internal/emulator/elf.go,
// which both drive raw mmap/mprotect the same way: reserve the whole
// span PROT_NONE up front, then commit and protect sub-ranges of it.
package osmapper

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-elfloader"
)

// Mapper is the Linux/unix Mapper (spec.md §6). The zero value is
// ready to use.
type Mapper struct{}

var _ elfloader.Mapper = Mapper{}

// rawMmap issues the mmap(2) syscall directly: the golang.org/x/sys/unix
// wrapper (unix.Mmap) has no address-hint parameter, so MAP_FIXED at an
// explicit address — needed for both Reserve and ET_EXEC's absolute
// min_vaddr commits — has to go through Syscall6 the way the package's
// own zsyscall_linux_*.go builds the wrapper internally.
func rawMmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

// Reserve maps `length` bytes PROT_NONE, anonymous and private, either
// at a fixed hint address (addr != 0, used by ET_EXEC's absolute
// min_vaddr) or wherever the kernel chooses.
func (Mapper) Reserve(addr, length uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	return rawMmap(addr, length, unix.PROT_NONE, flags, -1, 0)
}

// Mmap commits or file-maps length bytes at a fixed address inside a
// prior Reserve. A Reader with no usable file descriptor (fd==0 by
// convention here, since Reader.Fd's bool already gated this call)
// falls back to an anonymous commit the caller then fills via
// Reader.ReadAt, matching spec.md §6's needCopy contract.
func (Mapper) Mmap(addr, length uintptr, prot elfloader.Prot, mflags elfloader.MapFlags, fd uintptr, offset int64) (uintptr, bool, error) {
	flags, needCopy := unixFlags(mflags)
	rawFd := -1
	if fd != 0 {
		rawFd = int(fd)
	} else {
		needCopy = true
		flags = (flags &^ unix.MAP_SHARED) | unix.MAP_ANON
		offset = 0
	}
	b, err := rawMmap(addr, length, int(unixProt(prot)), flags, rawFd, offset)
	if err != nil {
		return 0, false, err
	}
	return b, needCopy, nil
}

// MmapAnon commits anonymous zero pages at a fixed address inside a
// prior Reserve.
func (Mapper) MmapAnon(addr, length uintptr, prot elfloader.Prot, mflags elfloader.MapFlags) (uintptr, error) {
	flags, _ := unixFlags(mflags)
	flags |= unix.MAP_ANON
	return rawMmap(addr, length, int(unixProt(prot)), flags, -1, 0)
}

// Munmap releases a previously committed or reserved region. unix.Munmap
// takes a []byte rather than an address/length pair, so the live mapping
// is viewed as a slice via unsafe.Slice purely to satisfy that signature —
// no copy, no bounds check beyond what the kernel itself enforces.
func (Mapper) Munmap(addr, length uintptr) error {
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length))
}

// Mprotect changes the permissions of an already-committed region.
func (Mapper) Mprotect(addr, length uintptr, prot elfloader.Prot) error {
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), int(unixProt(prot)))
}

func unixProt(p elfloader.Prot) int32 {
	var v int32
	if p&elfloader.ProtRead != 0 {
		v |= unix.PROT_READ
	}
	if p&elfloader.ProtWrite != 0 {
		v |= unix.PROT_WRITE
	}
	if p&elfloader.ProtExec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

func unixFlags(f elfloader.MapFlags) (int, bool) {
	flags := unix.MAP_SHARED
	if f&elfloader.MapPrivate != 0 {
		flags = unix.MAP_PRIVATE
	}
	if f&elfloader.MapFixed != 0 {
		flags |= unix.MAP_FIXED
	}
	needCopy := false
	if f&elfloader.MapAnonymous != 0 {
		flags |= unix.MAP_ANON
		needCopy = true
	}
	return flags, needCopy
}

// FileReader adapts an *os.File to elfloader.Reader, exposing its
// descriptor for file-backed mapping the way
// other_examples/.../memmod_linux.go opens its source file directly
// rather than slurping it into memory first.
type FileReader struct {
	f *os.File
}

// Open wraps path in a FileReader. The caller is responsible for
// calling Close once the loader no longer needs the file descriptor
// for lazy page-ins (i.e. after the image's segments are fully
// committed; closing earlier only affects Mmap's file-backed path, not
// already-mapped memory).
func Open(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileReader{f: f}, nil
}

func (r *FileReader) Name() string { return r.f.Name() }

func (r *FileReader) ReadAt(buf []byte, offset int64) error {
	_, err := r.f.ReadAt(buf, offset)
	return err
}

func (r *FileReader) Fd() (uintptr, bool) { return r.f.Fd(), true }

func (r *FileReader) Close() error { return r.f.Close() }
