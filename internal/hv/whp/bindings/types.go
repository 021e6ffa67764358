//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// HRESULT represents a Windows error/success code returned from WinHv APIs.
type HRESULT int32

func (hr HRESULT) Failed() bool { return hr < 0 }

// Err converts the HRESULT into a Go error. It returns nil when the code
// represents success.
func (hr HRESULT) Err() error {
	if !hr.Failed() {
		return nil
	}
	return HRESULTError(hr)
}

const (
	HRESULTAccessDenied = HRESULT(-0x7ff8fffb) // E_ACCESSDENIED
	HRESULTOutOfMemory  = HRESULT(-0x7ff8fff2) // E_OUTOFMEMORY
	HRESULTInvalidArg   = HRESULT(-0x7ff8ffa9) // E_INVALIDARG
	HRESULTFail         = HRESULT(-0x7fffbffb) // E_FAIL
)

// HRESULTError wraps a failing HRESULT value and implements the error interface.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("HRESULT %#08x: %s", uint32(e), windows.Errno(uint32(e)&0xffff).Error())
}

// PartitionHandle mirrors WHV_PARTITION_HANDLE.
type PartitionHandle windows.Handle

// GuestPhysicalAddress mirrors WHV_GUEST_PHYSICAL_ADDRESS.
type GuestPhysicalAddress uint64

// GuestVirtualAddress mirrors WHV_GUEST_VIRTUAL_ADDRESS.
type GuestVirtualAddress uint64

// CapabilityCode mirrors WHV_CAPABILITY_CODE.
type CapabilityCode uint32

const (
	CapabilityCodeHypervisorPresent CapabilityCode = 0x00000000
	CapabilityCodeExtendedVmExits   CapabilityCode = 0x00000002
)

// PartitionPropertyCode mirrors WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const (
	PartitionPropertyCodeExtendedVmExits     PartitionPropertyCode = 0x00000001
	PartitionPropertyCodeExceptionExitBitmap PartitionPropertyCode = 0x00000002
	PartitionPropertyCodeProcessorCount      PartitionPropertyCode = 0x00001fff
)

// ExtendedVmExits mirrors WHV_EXTENDED_VM_EXITS.
type ExtendedVmExits uint64

const (
	ExtendedVmExitException ExtendedVmExits = 1 << 2
)

// Exception vectors used with the exception exit bitmap.
const (
	ExceptionDebug      = 1
	ExceptionBreakpoint = 3
)

// MapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type MapGPARangeFlags uint32

const (
	MapGPARangeFlagRead    MapGPARangeFlags = 0x00000001
	MapGPARangeFlagWrite   MapGPARangeFlags = 0x00000002
	MapGPARangeFlagExecute MapGPARangeFlags = 0x00000004
)

// TranslateGVAFlags mirrors WHV_TRANSLATE_GVA_FLAGS.
type TranslateGVAFlags uint32

const (
	TranslateGVAFlagValidateRead    TranslateGVAFlags = 0x00000001
	TranslateGVAFlagPrivilegeExempt TranslateGVAFlags = 0x00000008
)

// TranslateGVAResultCode mirrors WHV_TRANSLATE_GVA_RESULT_CODE.
type TranslateGVAResultCode uint32

const (
	TranslateGVAResultSuccess TranslateGVAResultCode = 0
)

// TranslateGVAResult mirrors WHV_TRANSLATE_GVA_RESULT.
type TranslateGVAResult struct {
	ResultCode TranslateGVAResultCode
	Reserved   uint32
}

// X64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER.
type X64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// RegisterValue mirrors the 16 byte WHV_REGISTER_VALUE union.
type RegisterValue [16]byte

func (v *RegisterValue) Uint64() uint64 {
	return *(*uint64)(unsafe.Pointer(&v[0]))
}

func (v *RegisterValue) SetUint64(x uint64) {
	*v = RegisterValue{}
	*(*uint64)(unsafe.Pointer(&v[0])) = x
}

func (v *RegisterValue) Segment() *X64SegmentRegister {
	return (*X64SegmentRegister)(unsafe.Pointer(&v[0]))
}
