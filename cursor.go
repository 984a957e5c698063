package seek_buffer_go

// cursors is the two-cursor state shared by every slot-based backend. It is not
// synchronized; owners guard it with their own lock.
type cursors struct {
	slots   int
	nextGet int
	nextAdd int
	fill    int
}

func (c *cursors) capacity() int {
	return c.slots - 1
}

func (c *cursors) empty() bool {
	return c.nextAdd == c.nextGet
}

func (c *cursors) full() bool {
	return (c.nextAdd+1)%c.slots == c.nextGet
}

func (c *cursors) size() int {
	return (c.nextAdd - c.nextGet + c.slots) % c.slots
}

// backward is the number of retained chunks behind the read cursor.
func (c *cursors) backward() int {
	return c.fill - c.size()
}

// advanceAdd moves the write cursor past a freshly written slot and reports
// whether the oldest unread chunk had to be evicted.
func (c *cursors) advanceAdd() bool {
	c.nextAdd = (c.nextAdd + 1) % c.slots

	if c.fill < c.capacity() {
		c.fill++
	}

	if c.nextAdd == c.nextGet {
		c.nextGet = (c.nextGet + 1) % c.slots
		return true
	}

	return false
}

func (c *cursors) advanceGet() {
	c.nextGet = (c.nextGet + 1) % c.slots
}

// seek steps the read cursor one slot at a time. Jumping directly would work
// too, as long as the boundaries stay identical.
func (c *cursors) seek(n int) int {
	moved := 0

	for moved < n && !c.empty() {
		c.nextGet = (c.nextGet + 1) % c.slots
		moved++
	}

	for moved > n && c.backward() > 0 {
		c.nextGet = (c.nextGet - 1 + c.slots) % c.slots
		moved--
	}

	return moved
}

func (c *cursors) reset() {
	c.nextAdd = c.nextGet
	c.fill = 0
}

// valid reports whether restored cursor values describe a reachable state.
func (c *cursors) valid() bool {
	if c.slots < 1 {
		return false
	}

	if c.nextGet < 0 || c.nextGet >= c.slots || c.nextAdd < 0 || c.nextAdd >= c.slots {
		return false
	}

	return c.fill >= 0 && c.fill <= c.capacity() && c.size() <= c.fill
}
