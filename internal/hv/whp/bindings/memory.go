//go:build windows && amd64

package bindings

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Allocation is committed host memory that stays outside the Go heap.
type Allocation struct {
	addr    unsafe.Pointer
	size    uintptr
	cleanup runtime.Cleanup
}

func (a *Allocation) Pointer() unsafe.Pointer {
	return a.addr
}

func (a *Allocation) Slice() []byte {
	return unsafe.Slice((*byte)(a.addr), int(a.size))
}

// releaseMem must not capture the Allocation or the cleanup never runs.
func releaseMem(addr uintptr) {
	_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// VirtualAlloc reserves and commits size bytes of zeroed read/write memory.
func VirtualAlloc(size uintptr) (*Allocation, error) {
	ptr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}

	// VirtualAlloc memory is outside the Go heap and never moves.
	addr := *(*unsafe.Pointer)(unsafe.Pointer(&ptr))

	alloc := &Allocation{addr: addr, size: size}
	alloc.cleanup = runtime.AddCleanup(alloc, releaseMem, ptr)
	return alloc, nil
}

// Free releases the allocation now instead of waiting for the GC.
func (a *Allocation) Free() error {
	a.cleanup.Stop()
	return windows.VirtualFree(uintptr(a.addr), 0, windows.MEM_RELEASE)
}
