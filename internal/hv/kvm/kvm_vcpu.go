//go:build linux && (amd64 || arm64)

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/obhq/obvmm/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// tid is the OS thread that created the vCPU and the only one allowed
	// to enter it.
	tid    int
	closed bool

	singleStep bool
	hwAddr     [hwBreakpoints]uint64
	hwUsed     [hwBreakpoints]bool
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) SetSingleStep(enable bool) error {
	if v.singleStep == enable {
		return nil
	}

	v.singleStep = enable
	if err := v.applyGuestDebug(); err != nil {
		v.singleStep = !enable
		return fmt.Errorf("kvm: vCPU %d single step: %w", v.id, err)
	}

	return nil
}

func (v *virtualCPU) SetHardwareBreakpoint(addr uint64) error {
	slots := v.vm.hv.hwSlots()

	free := -1
	for i, used := range v.hwUsed[:slots] {
		if used && v.hwAddr[i] == addr {
			return nil
		}
		if !used && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return fmt.Errorf("kvm: vCPU %d: all %d debug registers in use: %w", v.id, slots, hv.ErrResourceLimit)
	}

	v.hwAddr[free] = addr
	v.hwUsed[free] = true
	if err := v.applyGuestDebug(); err != nil {
		v.hwUsed[free] = false
		return fmt.Errorf("kvm: vCPU %d hardware breakpoint %#x: %w", v.id, addr, err)
	}

	return nil
}

func (v *virtualCPU) ClearHardwareBreakpoint(addr uint64) error {
	for i, used := range v.hwUsed {
		if !used || v.hwAddr[i] != addr {
			continue
		}

		v.hwUsed[i] = false
		if err := v.applyGuestDebug(); err != nil {
			v.hwUsed[i] = true
			return fmt.Errorf("kvm: vCPU %d clear hardware breakpoint %#x: %w", v.id, addr, err)
		}
		return nil
	}

	return fmt.Errorf("kvm: vCPU %d: no hardware breakpoint at %#x: %w", v.id, addr, hv.ErrNotMapped)
}

func (v *virtualCPU) requestImmediateExit() error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 1

	// kick the thread out of KVM_RUN if it is already inside the guest
	if err := unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	if v.closed {
		return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: closed: %w", v.id, hv.ErrInvalidState)
	}

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediate_exit = 0

	if ctx.Err() != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	stopNotify := context.AfterFunc(ctx, func() {
		_ = v.requestImmediateExit()
	})
	defer stopNotify()

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctx.Err() != nil {
				return hv.Exit{Kind: hv.ExitCanceled}, nil
			}

			// stale request from a previous context
			run.immediate_exit = 0
			continue
		} else if err != nil {
			return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	return v.classifyExit(run), nil
}

// classifyCommon handles the exits every architecture reports the same way.
func (v *virtualCPU) classifyCommon(run *kvmRunData) (hv.Exit, bool) {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		size := min(mmioData.len, uint32(len(mmioData.data)))

		return hv.Exit{
			Kind: hv.ExitMMIO,
			MMIO: &hv.MMIOAccess{
				Address: mmioData.physAddr,
				IsWrite: mmioData.isWrite != 0,
				Data:    mmioData.data[:size],
			},
		}, true
	case kvmExitIntr:
		return hv.Exit{Kind: hv.ExitCanceled}, true
	case kvmExitFailEntry:
		fail := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))
		return v.fatal(fmt.Sprintf("entry failure reason %#x", fail.hardwareEntryFailureReason)), true
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return v.fatal(ierr.Suberror.String()), true
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown:
			return v.fatal("system event: shutdown"), true
		case kvmSystemEventReset:
			return v.fatal("system event: reset"), true
		case kvmSystemEventCrash:
			return v.fatal("system event: crash"), true
		}
		return hv.Exit{Kind: hv.ExitUnknown, PC: v.pc(), Detail: fmt.Sprintf("system event %d", system.typ)}, true
	}

	return hv.Exit{}, false
}

func (v *virtualCPU) fatal(detail string) hv.Exit {
	return hv.Exit{Kind: hv.ExitFatal, PC: v.pc(), Detail: detail}
}

// release frees the host resources without touching the VM's vCPU table.
func (v *virtualCPU) release() {
	if v.closed {
		return
	}
	v.closed = true

	if err := unix.Munmap(v.run); err != nil {
		slog.Error("kvm: munmap vcpu run", "error", err)
	}
	if err := unix.Close(v.fd); err != nil {
		slog.Error("kvm: close vcpu fd", "error", err)
	}
}

// Close implements hv.VirtualCPU.
func (v *virtualCPU) Close() error {
	if v.closed {
		return nil
	}
	v.vm.forgetVCPU(v.id)
	v.release()
	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)
