// Package buffer implements the segmented receive/send buffer shared by the
// socket layer and every protocol parser built on top of it.
package buffer

// BlockSize is the maximum size of a single buffer block. Appended data is
// additionally split at each newline so line-oriented parsers can consume
// whole blocks without scanning.
const BlockSize = 4096

// Buffer is a FIFO of byte blocks. Writers append at the tail, readers
// consume from the head. Remove and Copy are all-or-nothing: if fewer than
// the requested bytes are queued they return nil and consume nothing.
type Buffer struct {
	blocks [][]byte
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append splits data into blocks and queues them. A block ends at the first
// newline within BlockSize bytes, or after BlockSize bytes otherwise.
func (b *Buffer) Append(data []byte) {
	for i := 0; i < len(data); {
		j := i
		for j < len(data) && j-i < BlockSize {
			j++
			if data[j-1] == '\n' {
				break
			}
		}
		block := make([]byte, j-i)
		copy(block, data[i:j])
		b.blocks = append(b.blocks, block)
		i = j
	}
}

// AppendString is Append for string data.
func (b *Buffer) AppendString(data string) {
	b.Append([]byte(data))
}

// Prepend pushes data back onto the head of the queue as a single block.
func (b *Buffer) Prepend(data []byte) {
	if len(data) == 0 {
		return
	}
	block := make([]byte, len(data))
	copy(block, data)
	b.blocks = append([][]byte{block}, b.blocks...)
}

// Size returns the number of queued blocks, trimming any empty blocks from
// the head of the queue first.
func (b *Buffer) Size() int {
	for len(b.blocks) > 0 && len(b.blocks[0]) == 0 {
		b.blocks = b.blocks[1:]
	}
	return len(b.blocks)
}

// Available reports whether at least count bytes are queued.
func (b *Buffer) Available(count int) bool {
	total := 0
	for _, block := range b.blocks {
		total += len(block)
		if total >= count {
			return true
		}
	}
	return total >= count
}

// Bytes returns the number of queued bytes, counting no further than max.
func (b *Buffer) Bytes(max int) int {
	total := 0
	for _, block := range b.blocks {
		total += len(block)
		if total >= max {
			return max
		}
	}
	return total
}

// Remove dequeues exactly count bytes and returns them. Returns nil without
// consuming anything if fewer than count bytes are queued.
func (b *Buffer) Remove(count int) []byte {
	if !b.Available(count) {
		return nil
	}
	out := make([]byte, 0, count)
	for len(out) < count {
		head := b.blocks[0]
		need := count - len(out)
		if len(head) <= need {
			out = append(out, head...)
			b.blocks = b.blocks[1:]
		} else {
			out = append(out, head[:need]...)
			b.blocks[0] = head[need:]
		}
	}
	return out
}

// Copy returns the first count queued bytes without consuming them. Returns
// nil if fewer than count bytes are queued.
func (b *Buffer) Copy(count int) []byte {
	if !b.Available(count) {
		return nil
	}
	out := make([]byte, 0, count)
	for _, block := range b.blocks {
		need := count - len(out)
		if need <= 0 {
			break
		}
		if len(block) <= need {
			out = append(out, block...)
		} else {
			out = append(out, block[:need]...)
		}
	}
	return out
}

// Get returns a mutable reference to the head block for zero-copy
// consumption, or nil if the buffer is empty. Clearing the returned slice
// through the pointer drops that block's data.
func (b *Buffer) Get() *[]byte {
	if b.Size() == 0 {
		return nil
	}
	return &b.blocks[0]
}

// Take dequeues and returns up to max bytes, possibly fewer. Unlike Remove
// it never refuses a partial read.
func (b *Buffer) Take(max int) []byte {
	n := b.Bytes(max)
	if n == 0 {
		return nil
	}
	return b.Remove(n)
}

// Clear drops all queued data.
func (b *Buffer) Clear() {
	b.blocks = nil
}
