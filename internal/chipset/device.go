package chipset

// ExitContext identifies the vCPU whose exit is being served.
type ExitContext struct {
	CPU int
}

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped registers. addr is
// the guest physical address of the access.
type MmioHandler interface {
	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// ChipsetDevice is implemented by every device on the bus. Handlers are
// called from vCPU threads concurrently and must do their own locking.
type ChipsetDevice interface {
	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}

// ResetDevice is implemented by devices with state to clear on reset.
type ResetDevice interface {
	Reset() error
}
