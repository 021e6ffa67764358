//go:build windows && amd64

package factory

import (
	"github.com/obhq/obvmm/internal/hv"
	"github.com/obhq/obvmm/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
