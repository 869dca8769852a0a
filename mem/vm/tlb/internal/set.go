// Package internal provides the definition required for defining TLB.
package internal

import (
	"sort"

	"github.com/sarchlab/vmswap/mem/vm"
)

// A Set holds a certain number of translations, replaced in LRU order.
type Set interface {
	Lookup(vAddr uint64) (wayID int, pte vm.PTE, found bool)
	Update(wayID int, vAddr uint64, pte vm.PTE)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(vAddr uint64) bool
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.vAddrWayIDMap = make(map[uint64]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	vAddr     uint64
	pte       vm.PTE
	valid     bool
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks        []*block
	vAddrWayIDMap map[uint64]int
	visitList     []*block
	visitCount    uint64
}

func (s *setImpl) Lookup(vAddr uint64) (
	wayID int,
	pte vm.PTE,
	found bool,
) {
	wayID, ok := s.vAddrWayIDMap[vAddr]
	if !ok {
		return 0, 0, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.pte, true
}

func (s *setImpl) Update(wayID int, vAddr uint64, pte vm.PTE) {
	block := s.blocks[wayID]
	if block.valid {
		delete(s.vAddrWayIDMap, block.vAddr)
	}

	block.vAddr = vAddr
	block.pte = pte
	block.valid = true
	s.vAddrWayIDMap[vAddr] = wayID
}

// Evict returns the least recently visited way. The way stays in the set
// and is expected to be refilled with Update and visited.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if s.hasNothingToEvict() {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// Invalidate drops the translation of vAddr. The freed way becomes the next
// one to be evicted.
func (s *setImpl) Invalidate(vAddr uint64) bool {
	wayID, ok := s.vAddrWayIDMap[vAddr]
	if !ok {
		return false
	}

	delete(s.vAddrWayIDMap, vAddr)

	b := s.blocks[wayID]
	b.valid = false
	b.pte = 0

	for i, v := range s.visitList {
		if v.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	b.lastVisit = 0
	s.visitList = append([]*block{b}, s.visitList...)

	return true
}

func (s *setImpl) hasNothingToEvict() bool {
	return len(s.visitList) == 0
}
