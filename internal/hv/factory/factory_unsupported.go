//go:build !((linux && (amd64 || arm64)) || (windows && amd64) || (darwin && arm64))

package factory

import (
	"fmt"
	"runtime"

	"github.com/obhq/obvmm/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("no hypervisor backend for %s/%s: %w", runtime.GOOS, runtime.GOARCH, hv.ErrBackendUnavailable)
}
