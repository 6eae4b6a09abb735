//go:build windows

package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mappedRingImpl holds the platform resources behind a MappedRing on
// Windows: the file-mapping object handle and the base address of the
// 2*size double view.
type mappedRingImpl struct {
	mapping windows.Handle
	base    uintptr
	size    uintptr
}

var (
	ringSeq int64

	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procMapViewOfFileEx = modkernel32.NewProc("MapViewOfFileEx")
)

// newMappedRingPlatform builds the double mapping on Windows: a
// file-mapping object backed by the system paging file, mapped twice at
// consecutive addresses within a reserved 2N region, using the platform's
// allocation granularity rather than its page size as the rounding unit.
func newMappedRingPlatform(minSize int) (*MappedRing, error) {
	var sysInfo windows.SystemInfo
	windows.GetSystemInfo(&sysInfo)
	granularity := int(sysInfo.AllocationGranularity)
	if granularity <= 0 {
		granularity = 65536
	}
	size := uintptr(roundUpToPage(minSize, granularity))

	seq := atomic.AddInt64(&ringSeq, 1)
	name, err := windows.UTF16PtrFromString(fmt.Sprintf("CastStreamRing-%d-%d", windows.GetCurrentProcessId(), seq))
	if err != nil {
		return nil, &ErrMappingFailed{Op: "build mapping name", Err: err}
	}

	mapping, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, uint32(uint64(size)>>32), uint32(size), name)
	if err != nil {
		return nil, &ErrMappingFailed{Op: "create file mapping", Err: err}
	}

	// Reserve a 2*size address range, then release the reservation and
	// immediately map into it. There is an inherent (and in practice never
	// observed) race here: another thread's allocation could steal the
	// address between VirtualFree and the two MapViewOfFileEx calls.
	base, err := windows.VirtualAlloc(0, size<<1, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "reserve address range", Err: err}
	}
	if err := windows.VirtualFree(base, 0, windows.MEM_RELEASE); err != nil {
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "release reservation", Err: err}
	}

	one, err := mapViewOfFileEx(mapping, windows.FILE_MAP_ALL_ACCESS, 0, 0, size, base)
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "map first view", Err: err}
	}
	if one != base {
		windows.UnmapViewOfFile(one)
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "map first view", Err: fmt.Errorf("MapViewOfFileEx did not honor requested address")}
	}

	two, err := mapViewOfFileEx(mapping, windows.FILE_MAP_ALL_ACCESS, 0, 0, size, base+size)
	if err != nil {
		windows.UnmapViewOfFile(one)
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "map second view", Err: err}
	}
	if two != base+size {
		windows.UnmapViewOfFile(one)
		windows.UnmapViewOfFile(two)
		windows.CloseHandle(mapping)
		return nil, &ErrMappingFailed{Op: "map second view", Err: fmt.Errorf("MapViewOfFileEx did not honor requested address")}
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size<<1))

	return &MappedRing{
		size: size,
		data: data,
		impl: mappedRingImpl{mapping: mapping, base: base, size: size},
	}, nil
}

func (impl mappedRingImpl) close() error {
	if err := windows.UnmapViewOfFile(impl.base); err != nil {
		return fmt.Errorf("ring: unmap first view: %w", err)
	}
	if err := windows.UnmapViewOfFile(impl.base + impl.size); err != nil {
		return fmt.Errorf("ring: unmap second view: %w", err)
	}
	return windows.CloseHandle(impl.mapping)
}

func mapViewOfFileEx(mapping windows.Handle, access uint32, offsetHigh, offsetLow uint32, length uintptr, baseAddr uintptr) (uintptr, error) {
	r0, _, err := procMapViewOfFileEx.Call(
		uintptr(mapping),
		uintptr(access),
		uintptr(offsetHigh),
		uintptr(offsetLow),
		length,
		baseAddr,
	)
	if r0 == 0 {
		return 0, err
	}
	return r0, nil
}
