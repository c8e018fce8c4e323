package mp4

import (
	"bytes"

	"github.com/valurhrafn/mistlib/internal/dtsc"
)

// Converter interleaves incoming media packets into the mdat byte order
// planned by BuildHeader. Packets arriving ahead of their slot are queued
// per track and flushed as soon as the plan reaches them.
type Converter struct {
	plan    []KeyPart
	curKey  int
	curPart int
	queues  map[uint32][]*dtsc.Packet
	out     bytes.Buffer
}

// NewConverter creates a converter following the given interleave plan.
func NewConverter(plan []KeyPart) *Converter {
	return &Converter{
		plan:   plan,
		queues: make(map[uint32][]*dtsc.Packet),
	}
}

// Parse accepts the next media packet of any track. Output becomes
// available through Ready/Take as slots of the plan fill up.
func (c *Converter) Parse(p *dtsc.Packet) {
	c.queues[p.TrackID] = append(c.queues[p.TrackID], p)
	c.drain()
}

// drain moves queued payloads to the output while the current plan slot
// has a packet waiting.
func (c *Converter) drain() {
	for c.curKey < len(c.plan) {
		trackID := c.plan[c.curKey].TrackID
		q := c.queues[trackID]
		if len(q) == 0 {
			return
		}
		c.out.Write(q[0].Data)
		c.queues[trackID] = q[1:]
		c.curPart++
		if c.curPart >= c.plan[c.curKey].PartCount {
			c.curPart = 0
			c.curKey++
		}
	}
}

// Ready reports whether output bytes are pending.
func (c *Converter) Ready() bool {
	return c.out.Len() > 0
}

// Take returns and clears the pending output bytes.
func (c *Converter) Take() []byte {
	out := append([]byte(nil), c.out.Bytes()...)
	c.out.Reset()
	return out
}

// Done reports whether every slot of the plan has been emitted.
func (c *Converter) Done() bool {
	return c.curKey >= len(c.plan)
}
