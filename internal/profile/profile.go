// Package profile holds the per-VM settings chosen before boot.
package profile

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemory = "8GiB"

	// MaxCPUs is the number of logical processors of the emulated console.
	MaxCPUs = 8
)

type Resolution int

const (
	Hd Resolution = iota
	FullHd
	UltraHd
)

// Resolutions lists every supported resolution in ascending order.
var Resolutions = []Resolution{Hd, FullHd, UltraHd}

// Size returns the width and height in pixels.
func (r Resolution) Size() (width, height uint32) {
	switch r {
	case FullHd:
		return 1920, 1080
	case UltraHd:
		return 3840, 2160
	default:
		return 1280, 720
	}
}

func (r Resolution) String() string {
	switch r {
	case Hd:
		return "hd"
	case FullHd:
		return "fullhd"
	case UltraHd:
		return "ultrahd"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// Label is the human readable form, for example "1920x1080".
func (r Resolution) Label() string {
	w, h := r.Size()
	return fmt.Sprintf("%dx%d", w, h)
}

// ParseResolution accepts a name ("fullhd") or a size ("1920x1080").
func ParseResolution(s string) (Resolution, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range Resolutions {
		if s == r.String() || s == r.Label() {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

func (r Resolution) MarshalYAML() (any, error) {
	return r.String(), nil
}

func (r *Resolution) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseResolution(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = v
	return nil
}

// Profile is copied into the VM when it starts and never changes afterwards.
type Profile struct {
	Name       string     `yaml:"name"`
	CPUCount   int        `yaml:"cpus"`
	Resolution Resolution `yaml:"resolution"`

	// Memory is the guest RAM size, for example "8GiB".
	Memory string `yaml:"memory,omitempty"`

	// DebugAddr is a TCP address for the GDB server. Empty disables it.
	DebugAddr string `yaml:"debugAddr,omitempty"`
}

// Default returns the profile used when none is given.
func Default() Profile {
	p := Profile{}
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if p.Name == "" {
		p.Name = "default"
	}
	if p.CPUCount == 0 {
		p.CPUCount = min(MaxCPUs, runtime.NumCPU())
	}
	if p.Memory == "" {
		p.Memory = DefaultMemory
	}
}

// MemoryBytes parses Memory.
func (p Profile) MemoryBytes() (uint64, error) {
	n, err := units.RAMInBytes(p.Memory)
	if err != nil {
		return 0, fmt.Errorf("profile: memory %q: %w", p.Memory, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("profile: memory %q must be positive", p.Memory)
	}
	return uint64(n), nil
}

// Validate checks the fields a VM cannot start without.
func (p Profile) Validate() error {
	if p.CPUCount < 1 || p.CPUCount > MaxCPUs {
		return fmt.Errorf("profile: cpus must be between 1 and %d, got %d", MaxCPUs, p.CPUCount)
	}
	switch p.Resolution {
	case Hd, FullHd, UltraHd:
	default:
		return fmt.Errorf("profile: invalid resolution %d", int(p.Resolution))
	}
	if _, err := p.MemoryBytes(); err != nil {
		return err
	}
	return nil
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (%d cpus, %s, %s)", p.Name, p.CPUCount, p.Resolution.Label(), p.Memory)
}

// Parse decodes and normalizes a YAML profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Load reads a YAML profile from path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes p to path as YAML.
func Save(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("profile: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("profile: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("profile: close %s: %w", path, err)
	}
	return f.Close()
}
