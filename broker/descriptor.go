package broker

import (
	"fmt"
	"sync"
)

// Perm is the open-mode bitmask latched onto a descriptor at walk
// time. Permissions are fixed at creation from the walk result and
// bound the flags that a later open may set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermAppend
)

func (p Perm) Has(bit Perm) bool { return p&bit != 0 }

// Descriptor is a per-client open-file record. Every mutation of its
// fields must happen under Mu, which guarantees serialization of
// reads, writes and seeks on the same fd while permitting parallel
// work on different fds.
type Descriptor struct {
	Mu sync.Mutex

	Node *Node
	// Pos is tracked as a full unsigned 64-bit word since a seek can be
	// asked to go to any value the client's 32/64-bit split argument
	// channel can encode; it is clamped to the signed-64-bit maximum
	// only when reported back.
	Pos    uint64
	Perm   Perm
	Append bool

	// OpenRead/OpenWrite latch in once an open call succeeds; a
	// descriptor produced by walk alone has both false.
	OpenRead  bool
	OpenWrite bool
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("fd(%s@%d)", d.Node, d.Pos)
}

// reserved is the placeholder installed by Alloc before Assign binds
// the real Descriptor; it exists so two concurrent Alloc calls never
// hand out the same slot.
var reserved = &Descriptor{}

// DescriptorTable is a per-client array of open-file records, indexed
// by small integers.
type DescriptorTable struct {
	mu    sync.Mutex
	slots []*Descriptor
}

// NewDescriptorTable constructs an empty per-client table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{}
}

// Alloc reserves the lowest free slot and returns its number. The slot
// holds the reserved placeholder until Assign binds a real descriptor
// into it. A non-exclusive alloc additionally tolerates being
// immediately followed by a Free with no Assign (the caller gave up),
// which Free already supports unconditionally.
func (t *DescriptorTable) Alloc(exclusive bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = reserved
			return i
		}
	}
	t.slots = append(t.slots, reserved)
	return len(t.slots) - 1
	// exclusive has no further effect on a single-table allocator: the
	// table mutex already makes slot handout atomic regardless.
}

// Assign binds d into slot fd, growing the table if necessary. Used
// both to complete an Alloc reservation and, for dup, to bind the same
// underlying descriptor into a chosen target slot.
func (t *DescriptorTable) Assign(fd int, d *Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 {
		return Errorf(EBADF, "negative fd %d", fd)
	}
	for len(t.slots) <= fd {
		t.slots = append(t.slots, nil)
	}
	t.slots[fd] = d
	return nil
}

// Get returns the descriptor bound to fd. The caller is responsible
// for acquiring d.Mu before mutating any of its fields.
func (t *DescriptorTable) Get(fd int) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil || t.slots[fd] == reserved {
		return nil, Errorf(EBADF, "no such descriptor %d", fd)
	}
	return t.slots[fd], nil
}

// Free clears fd's slot. The caller must have already released the
// node reference (broker.Close does this via NodeCache.Put) — Free
// itself only forgets the slot.
func (t *DescriptorTable) Free(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.slots) {
		t.slots[fd] = nil
	}
}
