// Package screen connects the VM to the host surface the guest draws on.
//
// The VMM never renders anything itself. It hands the opaque platform
// surface to a Screen and asks it to present a frame whenever the front end
// requests a redraw.
package screen

import (
	"fmt"
	"sync"
)

// Surface is a platform handle: a Vulkan surface on Linux and Windows or a
// Metal layer on macOS.
type Surface interface {
	Handle() uintptr
}

// Screen is implemented by the front end that owns the window.
type Screen interface {
	Surface() Surface

	// Present shows the current frame at the guest resolution. It is called
	// from a single goroutine.
	Present(width, height uint32) error
}

type handle uintptr

func (h handle) Handle() uintptr { return uintptr(h) }

// Handle wraps a raw platform handle as a Surface.
func Handle(h uintptr) Surface { return handle(h) }

// Headless is a Screen with no window. It counts frames, which is all a
// run without a display or a test needs.
type Headless struct {
	mu            sync.Mutex
	frames        int
	width, height uint32
	presented     chan struct{}
}

func NewHeadless() *Headless {
	return &Headless{presented: make(chan struct{}, 1)}
}

func (h *Headless) Surface() Surface { return handle(0) }

func (h *Headless) Present(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("screen: present %dx%d: empty frame", width, height)
	}

	h.mu.Lock()
	h.frames++
	h.width, h.height = width, height
	h.mu.Unlock()

	select {
	case h.presented <- struct{}{}:
	default:
	}
	return nil
}

// Frames returns the number of frames presented and the size of the last.
func (h *Headless) Frames() (n int, width, height uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.frames, h.width, h.height
}

// Presented is signalled after each Present, coalescing frames nobody
// waited for.
func (h *Headless) Presented() <-chan struct{} { return h.presented }

var (
	_ Screen = &Headless{}
)
