//go:build darwin && arm64

package factory

import (
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
