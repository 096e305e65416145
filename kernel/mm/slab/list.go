package slab

// noSlab marks the end of a slab list.
const noSlab = -1

// listID identifies one of the lists a slab can belong to.
type listID uint8

const (
	listEmpty listID = iota
	listPartial
	listFull
	listCount
)

// String implements fmt.Stringer for listID.
func (id listID) String() string {
	switch id {
	case listEmpty:
		return "empty"
	case listPartial:
		return "partial"
	case listFull:
		return "full"
	default:
		return "unknown"
	}
}

// slabList is a doubly linked list of slabs threaded through the prev and
// next indices of the slab arena.
type slabList struct {
	head int
	len  int
}

// pushFront links the slab at index to the head of list id.
func (c *Cache) pushFront(id listID, index int) {
	l := &c.lists[id]
	s := &c.slabs[index]

	s.list = id
	s.prev = noSlab
	s.next = l.head
	if l.head != noSlab {
		c.slabs[l.head].prev = index
	}
	l.head = index
	l.len++
}

// unlink removes the slab at index from the list it belongs to.
func (c *Cache) unlink(index int) {
	s := &c.slabs[index]
	l := &c.lists[s.list]

	if s.prev == noSlab {
		l.head = s.next
	} else {
		c.slabs[s.prev].next = s.next
	}
	if s.next != noSlab {
		c.slabs[s.next].prev = s.prev
	}

	s.prev, s.next = noSlab, noSlab
	l.len--
}

// relink moves the slab at index to the list that matches its occupancy.
func (c *Cache) relink(index int) {
	var (
		s  = &c.slabs[index]
		id = listPartial
	)

	switch s.inUse {
	case 0:
		id = listEmpty
	case c.objCount:
		id = listFull
	}

	if s.list != id {
		c.unlink(index)
		c.pushFront(id, index)
	}
}
