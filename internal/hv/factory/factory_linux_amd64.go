//go:build linux && amd64

package factory

import (
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
