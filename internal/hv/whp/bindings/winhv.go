//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvPlatform = windows.NewLazySystemDLL("winhvplatform.dll")

	procWHvGetCapability = modWinHvPlatform.NewProc("WHvGetCapability")

	procWHvCreatePartition      = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition       = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition      = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty = modWinHvPlatform.NewProc("WHvSetPartitionProperty")

	procWHvMapGpaRange   = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvTranslateGva  = modWinHvPlatform.NewProc("WHvTranslateGva")

	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// Load reports whether winhvplatform.dll and its entry points are present.
func Load() error {
	if err := modWinHvPlatform.Load(); err != nil {
		return err
	}
	return procWHvGetCapability.Find()
}

func callHRESULT(proc *windows.LazyProc, args ...uintptr) error {
	r1, _, callErr := proc.Call(args...)
	if callErr != windows.ERROR_SUCCESS && r1 == 0 {
		return callErr
	}
	return HRESULT(int32(uint32(r1))).Err()
}

// IsHypervisorPresent queries WHvCapabilityCodeHypervisorPresent.
func IsHypervisorPresent() (bool, error) {
	var present uint32
	var written uint32
	if err := callHRESULT(procWHvGetCapability,
		uintptr(CapabilityCodeHypervisorPresent),
		uintptr(unsafe.Pointer(&present)),
		unsafe.Sizeof(present),
		uintptr(unsafe.Pointer(&written)),
	); err != nil {
		return false, fmt.Errorf("WHvGetCapability: %w", err)
	}
	return present != 0, nil
}

// ExtendedVmExitsSupported returns the extended exits the host can deliver.
func ExtendedVmExitsSupported() (ExtendedVmExits, error) {
	var exits ExtendedVmExits
	var written uint32
	err := callHRESULT(procWHvGetCapability,
		uintptr(CapabilityCodeExtendedVmExits),
		uintptr(unsafe.Pointer(&exits)),
		unsafe.Sizeof(exits),
		uintptr(unsafe.Pointer(&written)),
	)
	return exits, err
}

func CreatePartition() (PartitionHandle, error) {
	var handle PartitionHandle
	err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

func SetupPartition(partition PartitionHandle) error {
	return callHRESULT(procWHvSetupPartition, uintptr(partition))
}

func DeletePartition(partition PartitionHandle) error {
	return callHRESULT(procWHvDeletePartition, uintptr(partition))
}

// SetPartitionProperty writes a fixed size property value.
func SetPartitionProperty[T any](partition PartitionHandle, code PartitionPropertyCode, value T) error {
	return callHRESULT(procWHvSetPartitionProperty,
		uintptr(partition),
		uintptr(code),
		uintptr(unsafe.Pointer(&value)),
		unsafe.Sizeof(value),
	)
}

func MapGPARange(partition PartitionHandle, source unsafe.Pointer, gpa GuestPhysicalAddress, size uint64, flags MapGPARangeFlags) error {
	return callHRESULT(procWHvMapGpaRange,
		uintptr(partition),
		uintptr(source),
		uintptr(gpa),
		uintptr(size),
		uintptr(flags),
	)
}

func UnmapGPARange(partition PartitionHandle, gpa GuestPhysicalAddress, size uint64) error {
	return callHRESULT(procWHvUnmapGpaRange,
		uintptr(partition),
		uintptr(gpa),
		uintptr(size),
	)
}

func TranslateGVA(partition PartitionHandle, vpIndex uint32, gva GuestVirtualAddress, flags TranslateGVAFlags) (GuestPhysicalAddress, TranslateGVAResultCode, error) {
	var result TranslateGVAResult
	var gpa GuestPhysicalAddress
	err := callHRESULT(procWHvTranslateGva,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(gva),
		uintptr(flags),
		uintptr(unsafe.Pointer(&result)),
		uintptr(unsafe.Pointer(&gpa)),
	)
	return gpa, result.ResultCode, err
}

func CreateVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCreateVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		0,
	)
}

func DeleteVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvDeleteVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
	)
}

// RunVirtualProcessor blocks until the next exit and fills exit.
func RunVirtualProcessor(partition PartitionHandle, vpIndex uint32, exit *RunVPExitContext) error {
	return callHRESULT(procWHvRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exit)),
		unsafe.Sizeof(*exit),
	)
}

// CancelRunVirtualProcessor may be called from any thread.
func CancelRunVirtualProcessor(partition PartitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCancelRunVirtualProcessor,
		uintptr(partition),
		uintptr(vpIndex),
		0,
	)
}

func GetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whp: register value slice (%d) smaller than names (%d)", len(values), len(names))
	}
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

func SetVirtualProcessorRegisters(partition PartitionHandle, vpIndex uint32, names []RegisterName, values []RegisterValue) error {
	if len(values) < len(names) {
		return fmt.Errorf("whp: register value slice (%d) smaller than names (%d)", len(values), len(names))
	}
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(partition),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}
