//go:build linux || darwin

package ring

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappedRingImpl holds the platform resources behind a MappedRing: the
// (already unlinked) backing file and the base address of the 2*size
// double mapping.
type mappedRingImpl struct {
	file *os.File
	base uintptr
	size uintptr
}

var ringSeq int64

// newMappedRingPlatform builds the double mapping: create a named backing
// file and unlink its name at once (the open fd keeps the object alive),
// truncate it to N, reserve a 2N address range, then map the object twice
// over that range.
func newMappedRingPlatform(minSize int) (*MappedRing, error) {
	page := unix.Getpagesize()
	size := uintptr(roundUpToPage(minSize, page))

	seq := atomic.AddInt64(&ringSeq, 1)
	name := filepath.Join(os.TempDir(), fmt.Sprintf("caststream-ring-%d-%d-%d", os.Getpid(), seq, time.Now().UnixNano()))

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, &ErrMappingFailed{Op: "create shared object", Err: err}
	}
	if err := os.Remove(name); err != nil {
		f.Close()
		return nil, &ErrMappingFailed{Op: "unlink shared object", Err: err}
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, &ErrMappingFailed{Op: "truncate shared object", Err: err}
	}

	fd := int(f.Fd())

	base, err := mmapAt(0, size<<1, unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0)
	if err != nil {
		f.Close()
		return nil, &ErrMappingFailed{Op: "reserve address range", Err: err}
	}

	one, err := mmapAt(base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, fd, 0)
	if err != nil {
		munmapAt(base, size<<1)
		f.Close()
		return nil, &ErrMappingFailed{Op: "map first view", Err: err}
	}
	if one != base {
		munmapAt(base, size<<1)
		f.Close()
		return nil, &ErrMappingFailed{Op: "map first view", Err: fmt.Errorf("mmap split our MAP_FIXED call")}
	}

	two, err := mmapAt(base+size, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, fd, 0)
	if err != nil {
		munmapAt(base, size<<1)
		f.Close()
		return nil, &ErrMappingFailed{Op: "map second view", Err: err}
	}
	if two != base+size {
		munmapAt(base, size<<1)
		f.Close()
		return nil, &ErrMappingFailed{Op: "map second view", Err: fmt.Errorf("mmap split our mirror MAP_FIXED call")}
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size<<1))

	return &MappedRing{
		size: size,
		data: data,
		impl: mappedRingImpl{file: f, base: base, size: size},
	}, nil
}

func (impl mappedRingImpl) close() error {
	if err := munmapAt(impl.base, impl.size<<1); err != nil {
		return fmt.Errorf("ring: munmap: %w", err)
	}
	return impl.file.Close()
}

// mmapAt and munmapAt call the raw mmap(2)/munmap(2) syscalls through
// x/sys/unix's Syscall/Syscall6, since the package's typed Mmap wrapper
// does not accept a caller-chosen address and therefore cannot express
// MAP_FIXED placement into a pre-reserved double-size region.
func mmapAt(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r0, nil
}

func munmapAt(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
