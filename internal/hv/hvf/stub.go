//go:build !(darwin && arm64)

package hvf

import "github.com/obhq/obvmm/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrBackendUnavailable
}
