package paging

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// A Maintainer runs the periodic aging step of the eviction policies over
// all the registered address spaces.
type Maintainer struct {
	sync.Mutex

	spaces map[*AddressSpace]struct{}
	ticks  uint64
}

// NewMaintainer creates a Maintainer with no address space.
func NewMaintainer() *Maintainer {
	return &Maintainer{
		spaces: make(map[*AddressSpace]struct{}),
	}
}

// Register adds an address space.
func (m *Maintainer) Register(as *AddressSpace) {
	m.Lock()
	defer m.Unlock()

	m.spaces[as] = struct{}{}
}

// Unregister removes an address space.
func (m *Maintainer) Unregister(as *AddressSpace) {
	m.Lock()
	defer m.Unlock()

	delete(m.spaces, as)
}

// Spaces returns the registered address spaces ordered by PID.
func (m *Maintainer) Spaces() []*AddressSpace {
	m.Lock()
	defer m.Unlock()

	spaces := make([]*AddressSpace, 0, len(m.spaces))
	for as := range m.spaces {
		spaces = append(spaces, as)
	}

	sort.Slice(spaces, func(i, j int) bool {
		return spaces[i].PID() < spaces[j].PID()
	})

	return spaces
}

// Ticks returns the number of completed ticks.
func (m *Maintainer) Ticks() uint64 {
	m.Lock()
	defer m.Unlock()

	return m.ticks
}

// Tick ages every registered address space. Spaces are aged concurrently,
// each under its own lock.
func (m *Maintainer) Tick(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, as := range m.Spaces() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			as.Age()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	m.Lock()
	m.ticks++
	m.Unlock()

	return nil
}
