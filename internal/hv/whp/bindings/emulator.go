//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvEmulation               = windows.NewLazySystemDLL("winhvemulation.dll")
	procWHvEmulatorCreateEmulator   = modWinHvEmulation.NewProc("WHvEmulatorCreateEmulator")
	procWHvEmulatorDestroyEmulator  = modWinHvEmulation.NewProc("WHvEmulatorDestroyEmulator")
	procWHvEmulatorTryIoEmulation   = modWinHvEmulation.NewProc("WHvEmulatorTryIoEmulation")
	procWHvEmulatorTryMmioEmulation = modWinHvEmulation.NewProc("WHvEmulatorTryMmioEmulation")
)

// EmulatorStatus mirrors WHV_EMULATOR_STATUS.
type EmulatorStatus uint32

const (
	EmulatorStatusSuccess                    EmulatorStatus = 1 << 0
	EmulatorStatusInternalFailure            EmulatorStatus = 1 << 1
	EmulatorStatusIoPortCallbackFailed       EmulatorStatus = 1 << 2
	EmulatorStatusMemoryCallbackFailed       EmulatorStatus = 1 << 3
	EmulatorStatusTranslateGvaCallbackFailed EmulatorStatus = 1 << 4
	EmulatorStatusGetRegistersCallbackFailed EmulatorStatus = 1 << 6
	EmulatorStatusSetRegistersCallbackFailed EmulatorStatus = 1 << 7

	emulatorStatusFailures = EmulatorStatusInternalFailure |
		EmulatorStatusIoPortCallbackFailed |
		EmulatorStatusMemoryCallbackFailed |
		EmulatorStatusTranslateGvaCallbackFailed |
		EmulatorStatusGetRegistersCallbackFailed |
		EmulatorStatusSetRegistersCallbackFailed
)

func (s EmulatorStatus) Ok() bool {
	return s&EmulatorStatusSuccess != 0 && s&emulatorStatusFailures == 0
}

func (s EmulatorStatus) String() string {
	return fmt.Sprintf("EmulatorStatus(%#x)", uint32(s))
}

// EmulatorMemoryAccessInfo mirrors WHV_EMULATOR_MEMORY_ACCESS_INFO.
type EmulatorMemoryAccessInfo struct {
	GpaAddress uint64
	Direction  uint8 // 0 read, 1 write
	AccessSize uint8
	Data       [8]byte
}

// EmulatorIOAccessInfo mirrors WHV_EMULATOR_IO_ACCESS_INFO.
type EmulatorIOAccessInfo struct {
	Direction  uint8 // 0 in, 1 out
	Port       uint16
	AccessSize uint16
	Data       uint32
}

// EmulatorCallbacks holds the Go side of WHV_EMULATOR_CALLBACKS. The
// context pointer passed to TryIo/TryMmio is handed back untouched.
type EmulatorCallbacks struct {
	IoPort       func(ctx unsafe.Pointer, access *EmulatorIOAccessInfo) HRESULT
	Memory       func(ctx unsafe.Pointer, access *EmulatorMemoryAccessInfo) HRESULT
	GetRegisters func(ctx unsafe.Pointer, names []RegisterName, values []RegisterValue) HRESULT
	SetRegisters func(ctx unsafe.Pointer, names []RegisterName, values []RegisterValue) HRESULT
	TranslateGva func(ctx unsafe.Pointer, gva GuestVirtualAddress, flags TranslateGVAFlags, result *TranslateGVAResultCode, gpa *GuestPhysicalAddress) HRESULT
}

type emulatorCallbacksABI struct {
	Size                         uint32
	Reserved                     uint32
	IoPortCallback               uintptr
	MemoryCallback               uintptr
	GetVirtualProcessorRegisters uintptr
	SetVirtualProcessorRegisters uintptr
	TranslateGvaPage             uintptr
}

// EmulatorHandle mirrors WHV_EMULATOR_HANDLE.
type EmulatorHandle uintptr

func registerSlices(names *RegisterName, count uint32, values *RegisterValue) ([]RegisterName, []RegisterValue) {
	if count == 0 {
		return nil, nil
	}
	return unsafe.Slice(names, int(count)), unsafe.Slice(values, int(count))
}

// NewEmulator wraps WHvEmulatorCreateEmulator. windows.NewCallback slots are
// never released, so emulators should be created once per process.
func NewEmulator(cb EmulatorCallbacks) (EmulatorHandle, error) {
	abi := emulatorCallbacksABI{
		IoPortCallback: windows.NewCallback(func(ctx unsafe.Pointer, access *EmulatorIOAccessInfo) uintptr {
			return uintptr(cb.IoPort(ctx, access))
		}),
		MemoryCallback: windows.NewCallback(func(ctx unsafe.Pointer, access *EmulatorMemoryAccessInfo) uintptr {
			return uintptr(cb.Memory(ctx, access))
		}),
		GetVirtualProcessorRegisters: windows.NewCallback(func(ctx unsafe.Pointer, names *RegisterName, count uint32, values *RegisterValue) uintptr {
			n, v := registerSlices(names, count, values)
			return uintptr(cb.GetRegisters(ctx, n, v))
		}),
		SetVirtualProcessorRegisters: windows.NewCallback(func(ctx unsafe.Pointer, names *RegisterName, count uint32, values *RegisterValue) uintptr {
			n, v := registerSlices(names, count, values)
			return uintptr(cb.SetRegisters(ctx, n, v))
		}),
		TranslateGvaPage: windows.NewCallback(func(ctx unsafe.Pointer, gva GuestVirtualAddress, flags TranslateGVAFlags, result *TranslateGVAResultCode, gpa *GuestPhysicalAddress) uintptr {
			return uintptr(cb.TranslateGva(ctx, gva, flags, result, gpa))
		}),
	}
	abi.Size = uint32(unsafe.Sizeof(abi))

	var handle EmulatorHandle
	err := callHRESULT(procWHvEmulatorCreateEmulator,
		uintptr(unsafe.Pointer(&abi)),
		uintptr(unsafe.Pointer(&handle)),
	)
	return handle, err
}

func (h EmulatorHandle) Close() error {
	if h == 0 {
		return nil
	}
	return callHRESULT(procWHvEmulatorDestroyEmulator, uintptr(h))
}

func (h EmulatorHandle) TryIo(ctx unsafe.Pointer, vp *VPExitContext, io *X64IOPortAccessContext) (EmulatorStatus, error) {
	var status EmulatorStatus
	err := callHRESULT(procWHvEmulatorTryIoEmulation,
		uintptr(h),
		uintptr(ctx),
		uintptr(unsafe.Pointer(vp)),
		uintptr(unsafe.Pointer(io)),
		uintptr(unsafe.Pointer(&status)),
	)
	return status, err
}

func (h EmulatorHandle) TryMmio(ctx unsafe.Pointer, vp *VPExitContext, mem *MemoryAccessContext) (EmulatorStatus, error) {
	var status EmulatorStatus
	err := callHRESULT(procWHvEmulatorTryMmioEmulation,
		uintptr(h),
		uintptr(ctx),
		uintptr(unsafe.Pointer(vp)),
		uintptr(unsafe.Pointer(mem)),
		uintptr(unsafe.Pointer(&status)),
	)
	return status, err
}
