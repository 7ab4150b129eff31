// Package frametable implements an inverted page table: for every physical
// frame it records which (execution context, virtual page) pair occupies it.
//
// The table only records bindings. Choosing which frame to evict and writing
// its contents back is up to the caller.
package frametable

import (
	"github.com/dargueta/teachos"
)

type binding struct {
	owner teachos.ContextID
	vpn   uint
}

type FrameTable struct {
	frames []binding
}

// New creates a table of `numFrames` frames, all empty.
func New(numFrames uint) *FrameTable {
	table := &FrameTable{frames: make([]binding, numFrames)}
	for i := range table.frames {
		table.frames[i].owner = teachos.NoContext
	}
	return table
}

func (table *FrameTable) NumFrames() uint {
	return uint(len(table.frames))
}

// IsAllocated returns true if `frame` is bound to some context.
func (table *FrameTable) IsAllocated(frame uint) bool {
	return table.frames[frame].owner != teachos.NoContext
}

// Allocate binds `frame` to virtual page `vpn` of `owner`, replacing whatever
// was bound to it. The caller must have written back the previous occupant.
func (table *FrameTable) Allocate(vpn uint, owner teachos.ContextID, frame uint) {
	table.frames[frame] = binding{owner: owner, vpn: vpn}
}

// FindFrame returns the frame bound to virtual page `vpn` of `owner`.
func (table *FrameTable) FindFrame(vpn uint, owner teachos.ContextID) (uint, bool) {
	for i := range table.frames {
		if table.frames[i].owner == owner && table.frames[i].vpn == vpn {
			return uint(i), true
		}
	}
	return 0, false
}

// FindFreeFrame returns the first frame not bound to anything. It doesn't
// reserve the frame.
func (table *FrameTable) FindFreeFrame() (uint, bool) {
	for i := range table.frames {
		if table.frames[i].owner == teachos.NoContext {
			return uint(i), true
		}
	}
	return 0, false
}

// Owner returns the context and virtual page bound to `frame`. If the frame is
// empty, the owner is [teachos.NoContext] and ok is false.
func (table *FrameTable) Owner(frame uint) (owner teachos.ContextID, vpn uint, ok bool) {
	b := table.frames[frame]
	return b.owner, b.vpn, b.owner != teachos.NoContext
}

// Vacate unbinds `frame`.
func (table *FrameTable) Vacate(frame uint) {
	table.frames[frame] = binding{owner: teachos.NoContext}
}

// ReleaseOwner unbinds every frame belonging to `owner` and returns them in
// ascending order.
func (table *FrameTable) ReleaseOwner(owner teachos.ContextID) []uint {
	released := []uint{}
	for i := range table.frames {
		if table.frames[i].owner == owner {
			table.Vacate(uint(i))
			released = append(released, uint(i))
		}
	}
	return released
}

// FramesOf returns every frame bound to `owner`, in ascending order.
func (table *FrameTable) FramesOf(owner teachos.ContextID) []uint {
	frames := []uint{}
	for i := range table.frames {
		if table.frames[i].owner == owner {
			frames = append(frames, uint(i))
		}
	}
	return frames
}
