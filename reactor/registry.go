//go:build linux

package reactor

import (
	"sync"
)

type (
	keySlot struct {
		key  any
		used bool
	}
	granule struct {
		slots  []keySlot
		border int

		slowSlots map[int]any

		sync.Mutex
	}
	//registry maps socket descriptors to registration keys.
	//Descriptors are spread over granules (fd % granCnt) to reduce lock contention,
	//small descriptors live in a preallocated slice, big ones fall to a map.
	registry struct {
		granules []*granule
		granCnt  int
	}
)

func newGranule(fCap int) *granule {
	return &granule{
		slots:     make([]keySlot, fCap),
		border:    fCap,
		slowSlots: make(map[int]any),
	}
}

func (g *granule) set(idx int, key any) {
	g.Lock()
	defer g.Unlock()

	if idx < g.border {
		g.slots[idx] = keySlot{key: key, used: true}
		return
	}

	//slow path, for big fd values
	g.slowSlots[idx] = key
}

func (g *granule) get(idx int) (any, bool) {
	g.Lock()
	defer g.Unlock()

	if idx < g.border {
		s := g.slots[idx]
		return s.key, s.used
	}

	key, ok := g.slowSlots[idx]
	return key, ok
}

func (g *granule) remove(idx int, key any) bool {
	g.Lock()
	defer g.Unlock()

	if idx < g.border {
		if !g.slots[idx].used || g.slots[idx].key != key {
			return false
		}
		g.slots[idx] = keySlot{}
		return true
	}

	if cur, ok := g.slowSlots[idx]; !ok || cur != key {
		return false
	}
	delete(g.slowSlots, idx)
	return true
}

func newRegistry(granularity int) *registry {
	if granularity < 1 {
		granularity = 1
	}

	granules := make([]*granule, granularity)
	for i := 0; i < granularity; i++ {
		granules[i] = newGranule((1 << 16) / granularity)
	}

	return &registry{
		granCnt:  granularity,
		granules: granules,
	}
}

//set bind fd to key, replacing a stale binding left by a previous owner of the same fd.
func (r *registry) set(fd int, key any) {
	r.granules[fd%r.granCnt].set(fd/r.granCnt, key)
}

func (r *registry) get(fd int) (any, bool) {
	return r.granules[fd%r.granCnt].get(fd / r.granCnt)
}

//remove unbind fd only if it is still bound to key. Keys must be comparable.
func (r *registry) remove(fd int, key any) bool {
	return r.granules[fd%r.granCnt].remove(fd/r.granCnt, key)
}
