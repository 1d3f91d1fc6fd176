package actor

// dedup remembers the most recent event IDs of one actor.
type dedup struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newDedup(size int) *dedup {
	if size <= 0 {
		return nil
	}
	return &dedup{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// check reports whether id was already seen and records it otherwise.
func (d *dedup) check(id string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.ids[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.ids[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}
