// Package memmap describes the physical memory layout the frame allocator
// is brought up with: how many frames exist, which ranges become frame
// pools, where each pool keeps its state store and which frames must never
// be handed out.
package memmap

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"contframe/kernel/mm"
)

// SupportedVersions is the semver constraint that layout descriptions must
// satisfy.
const SupportedVersions = "^1.0"

// PoolRegion describes a frame pool.
type PoolRegion struct {
	// Name identifies the pool in reserved ranges, infoFrom references
	// and the CLI.
	Name string `yaml:"name"`

	BaseFrame  mm.Frame `yaml:"baseFrame"`
	FrameCount uint32   `yaml:"frameCount"`

	// InfoFrame is the first frame of the pool's state store. Zero means
	// the store lives at the start of the pool itself.
	InfoFrame      mm.Frame `yaml:"infoFrame"`
	InfoFrameCount uint32   `yaml:"infoFrameCount"`

	// InfoFrom names a previously listed pool whose frames hold this
	// pool's state store. The frames are allocated from that pool at
	// bring-up. Mutually exclusive with InfoFrame.
	InfoFrom string `yaml:"infoFrom"`
}

// EndFrame returns the frame number one past the region's last frame.
func (r *PoolRegion) EndFrame() uint64 {
	return uint64(r.BaseFrame) + uint64(r.FrameCount)
}

// ReservedRegion describes frames that must be marked inaccessible after the
// pools are created, e.g. a memory hole or firmware data.
type ReservedRegion struct {
	BaseFrame  mm.Frame `yaml:"baseFrame"`
	FrameCount uint32   `yaml:"frameCount"`
	Reason     string   `yaml:"reason"`
}

// Layout is the complete memory description.
type Layout struct {
	Version     string `yaml:"version"     envconfig:"VERSION"`
	FrameSize   uint32 `yaml:"frameSize"   envconfig:"FRAME_SIZE"`
	TotalFrames uint32 `yaml:"totalFrames" envconfig:"TOTAL_FRAMES"`

	// DefaultPool names the pool that serves single-frame requests made
	// through mm.AllocFrame. Empty selects the first pool.
	DefaultPool string `yaml:"defaultPool" envconfig:"DEFAULT_POOL"`

	Pools    []PoolRegion     `yaml:"pools"    ignored:"true"`
	Reserved []ReservedRegion `yaml:"reserved" ignored:"true"`
}

// Default returns the layout of the reference machine: 32M of memory with a
// kernel pool at 2M-4M that hosts its own state store, a process pool at
// 4M-32M whose store is allocated from the kernel pool, and a 1M hole at 15M.
func Default() *Layout {
	return &Layout{
		Version:     "1.0.0",
		FrameSize:   uint32(mm.FrameSize),
		TotalFrames: uint32((32 * mm.Mb) / mm.Size(mm.FrameSize)),
		DefaultPool: "kernel",
		Pools: []PoolRegion{
			{
				Name:       "kernel",
				BaseFrame:  mm.FrameFromAddress(uintptr(2 * mm.Mb)),
				FrameCount: uint32((2 * mm.Mb) / mm.Size(mm.FrameSize)),
			},
			{
				Name:       "process",
				BaseFrame:  mm.FrameFromAddress(uintptr(4 * mm.Mb)),
				FrameCount: uint32((28 * mm.Mb) / mm.Size(mm.FrameSize)),
				InfoFrom:   "kernel",
			},
		},
		Reserved: []ReservedRegion{
			{
				BaseFrame:  mm.FrameFromAddress(uintptr(15 * mm.Mb)),
				FrameCount: uint32(mm.Mb / mm.Size(mm.FrameSize)),
				Reason:     "memory hole",
			},
		},
	}
}

// PoolVisitor is invoked by VisitPools for each pool region. Returning false
// stops the iteration.
type PoolVisitor func(*PoolRegion) bool

// VisitPools invokes visitor for each pool region in layout order.
func (l *Layout) VisitPools(visitor PoolVisitor) {
	for i := range l.Pools {
		if !visitor(&l.Pools[i]) {
			return
		}
	}
}

// Pool returns the region with the given name or nil.
func (l *Layout) Pool(name string) *PoolRegion {
	for i := range l.Pools {
		if l.Pools[i].Name == name {
			return &l.Pools[i]
		}
	}
	return nil
}

// Validate checks that the layout is internally consistent and compatible
// with this build. Missing FrameSize and DefaultPool values are filled in.
func (l *Layout) Validate() error {
	if err := checkVersion(l.Version); err != nil {
		return err
	}

	switch l.FrameSize {
	case 0:
		l.FrameSize = uint32(mm.FrameSize)
	case uint32(mm.FrameSize):
	default:
		return fmt.Errorf("frame size %d does not match the built-in frame size %d", l.FrameSize, mm.FrameSize)
	}

	if l.TotalFrames == 0 {
		return fmt.Errorf("totalFrames must be positive")
	}

	if len(l.Pools) == 0 {
		return fmt.Errorf("layout defines no pools")
	}

	seen := make(map[string]bool, len(l.Pools))
	for i := range l.Pools {
		if err := l.validatePool(&l.Pools[i], seen); err != nil {
			return err
		}
		seen[l.Pools[i].Name] = true
	}

	if err := l.checkOverlaps(); err != nil {
		return err
	}

	if l.DefaultPool == "" {
		l.DefaultPool = l.Pools[0].Name
	} else if l.Pool(l.DefaultPool) == nil {
		return fmt.Errorf("default pool %q is not defined", l.DefaultPool)
	}

	for i, r := range l.Reserved {
		if r.FrameCount == 0 {
			return fmt.Errorf("reserved region %d is empty", i)
		}
		if l.owner(r.BaseFrame, uint64(r.BaseFrame)+uint64(r.FrameCount)) == nil {
			return fmt.Errorf("reserved region %d [%d, %d) is not contained in a single pool", i, r.BaseFrame, uint64(r.BaseFrame)+uint64(r.FrameCount))
		}
	}

	return nil
}

// validatePool checks a single region; seen holds the names of the regions
// listed before it.
func (l *Layout) validatePool(r *PoolRegion, seen map[string]bool) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("pool at frame %d has no name", r.BaseFrame)
	case seen[r.Name]:
		return fmt.Errorf("pool %q is defined twice", r.Name)
	case r.FrameCount == 0:
		return fmt.Errorf("pool %q has no frames", r.Name)
	case r.EndFrame() > uint64(l.TotalFrames):
		return fmt.Errorf("pool %q ends at frame %d beyond the %d available frames", r.Name, r.EndFrame(), l.TotalFrames)
	}

	if r.InfoFrom != "" {
		if r.InfoFrame != mm.NoFrame {
			return fmt.Errorf("pool %q sets both infoFrame and infoFrom", r.Name)
		}
		if !seen[r.InfoFrom] {
			return fmt.Errorf("pool %q takes its info frames from %q which is not defined before it", r.Name, r.InfoFrom)
		}
		return nil
	}

	if r.InfoFrame != mm.NoFrame {
		if r.InfoFrameCount == 0 {
			return fmt.Errorf("pool %q sets infoFrame without infoFrameCount", r.Name)
		}
		if uint64(r.InfoFrame)+uint64(r.InfoFrameCount) > uint64(l.TotalFrames) {
			return fmt.Errorf("pool %q keeps its state store beyond the %d available frames", r.Name, l.TotalFrames)
		}

		// Nothing reserves store frames inside another pool, and building
		// the store would overwrite whatever that pool keeps there.
		if other := l.storeOverlap(r); other != nil {
			return fmt.Errorf("pool %q keeps its state store in frames of pool %q; use infoFrom to allocate them from it", r.Name, other.Name)
		}
	}

	return nil
}

func (l *Layout) checkOverlaps() error {
	sorted := make([]*PoolRegion, len(l.Pools))
	for i := range l.Pools {
		sorted[i] = &l.Pools[i]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BaseFrame < sorted[j].BaseFrame })

	for i := 1; i < len(sorted); i++ {
		if uint64(sorted[i].BaseFrame) < sorted[i-1].EndFrame() {
			return fmt.Errorf("pools %q and %q overlap", sorted[i-1].Name, sorted[i].Name)
		}
	}
	return nil
}

// storeOverlap returns the first region other than r that shares frames with
// r's explicit state store or nil.
func (l *Layout) storeOverlap(r *PoolRegion) *PoolRegion {
	first, end := uint64(r.InfoFrame), uint64(r.InfoFrame)+uint64(r.InfoFrameCount)
	for i := range l.Pools {
		other := &l.Pools[i]
		if other.Name != r.Name && first < other.EndFrame() && uint64(other.BaseFrame) < end {
			return other
		}
	}
	return nil
}

// owner returns the region that fully contains [first, end) or nil.
func (l *Layout) owner(first mm.Frame, end uint64) *PoolRegion {
	for i := range l.Pools {
		if first >= l.Pools[i].BaseFrame && end <= l.Pools[i].EndFrame() {
			return &l.Pools[i]
		}
	}
	return nil
}

func checkVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parsing layout version %q: %w", version, err)
	}

	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("parsing supported version constraint: %w", err)
	}

	if !c.Check(v) {
		return fmt.Errorf("layout version %s is not supported (want %s)", v, SupportedVersions)
	}
	return nil
}
