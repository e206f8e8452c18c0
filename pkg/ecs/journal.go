package ecs

import (
	"fmt"
	"sync"
)

type Op uint8

const (
	OpSpawn Op = iota + 1
	OpDespawn
	OpAdd
	OpUpdate
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpSpawn:
		return "spawn"
	case OpDespawn:
		return "despawn"
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ChangeRecord is one mutation. Prev carries the value replaced by an Update
// or dropped by a Remove.
type ChangeRecord struct {
	Seq       uint64
	Tick      uint64
	Entity    Entity
	Component ComponentID
	Op        Op
	Prev      any
}

// Cursor is one consumer's read position in a Journal.
type Cursor struct {
	next uint64
}

// Journal is an append-only log of world mutations. Records are kept until
// every live cursor has drained past them and Compact is called.
type Journal struct {
	mu      sync.Mutex
	records []ChangeRecord
	base    uint64
	next    uint64
	cursors map[*Cursor]struct{}
}

func newJournal() *Journal {
	return &Journal{
		records: make([]ChangeRecord, 0, 256),
		cursors: make(map[*Cursor]struct{}),
	}
}

func (j *Journal) append(rec ChangeRecord) {
	j.mu.Lock()
	rec.Seq = j.next
	j.next++
	j.records = append(j.records, rec)
	j.mu.Unlock()
}

// NewCursor returns a cursor positioned at the end of the journal.
func (j *Journal) NewCursor() *Cursor {
	j.mu.Lock()
	defer j.mu.Unlock()

	c := &Cursor{next: j.next}
	j.cursors[c] = struct{}{}
	return c
}

// Release detaches c so it no longer holds back compaction.
func (j *Journal) Release(c *Cursor) {
	j.mu.Lock()
	delete(j.cursors, c)
	j.mu.Unlock()
}

// Drain returns the records appended since the cursor's last drain and moves
// the cursor to the end. The returned slice is owned by the caller.
func (j *Journal) Drain(c *Cursor) []ChangeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	from := c.next
	if from < j.base {
		from = j.base
	}
	start := int(from - j.base)
	if start >= len(j.records) {
		c.next = j.next
		return nil
	}

	out := make([]ChangeRecord, len(j.records)-start)
	copy(out, j.records[start:])
	c.next = j.next
	return out
}

// Pending reports how many records c has not drained yet.
func (j *Journal) Pending(c *Cursor) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c.next >= j.next {
		return 0
	}
	return int(j.next - max(c.next, j.base))
}

// Compact drops records that every live cursor has passed and returns how
// many were dropped.
func (j *Journal) Compact() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	low := j.next
	for c := range j.cursors {
		low = min(low, c.next)
	}
	if low <= j.base {
		return 0
	}

	n := int(low - j.base)
	remaining := copy(j.records, j.records[n:])
	clear(j.records[remaining:])
	j.records = j.records[:remaining]
	j.base = low
	return n
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}
