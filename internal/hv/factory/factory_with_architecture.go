package factory

import (
	"fmt"

	"github.com/obhq/obvmm/internal/hv"
)

// OpenWithArchitecture opens the host backend and checks that it can run
// guest code for arch. ArchitectureInvalid accepts whatever the host offers.
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	h, err := Open()
	if err != nil {
		return nil, err
	}

	if arch != hv.ArchitectureInvalid && h.Architecture() != arch {
		h.Close()
		return nil, fmt.Errorf("host hypervisor runs %s guests, kernel is %s: %w", h.Architecture(), arch, hv.ErrBackendUnavailable)
	}

	return h, nil
}
