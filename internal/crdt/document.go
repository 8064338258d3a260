// Package crdt implements the replicated text document shared by a room.
//
// A document is the union of every insert and delete operation it has seen.
// Merging is set union, so applying updates is commutative and idempotent
// and replicas that saw the same operations in any order hold the same state.
// Text is materialized from the operations on demand (RGA ordering).
package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrMalformedUpdate = errors.New("malformed update")

// ID names one inserted element. Clock is a Lamport timestamp.
type ID struct {
	Replica string `cbor:"1,keyasint"`
	Clock   uint64 `cbor:"2,keyasint"`
}

func (id ID) IsZero() bool {
	return id.Replica == "" && id.Clock == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Replica, id.Clock)
}

// compareID orders IDs by clock, then replica.
func compareID(a, b ID) int {
	if c := cmp.Compare(a.Clock, b.Clock); c != 0 {
		return c
	}
	return strings.Compare(a.Replica, b.Replica)
}

// Insert places Value immediately after Origin. A zero Origin is the start
// of the document.
type Insert struct {
	ID     ID     `cbor:"1,keyasint"`
	Origin ID     `cbor:"2,keyasint,omitempty"`
	Value  string `cbor:"3,keyasint"`
}

// Update is the wire unit exchanged between replicas.
type Update struct {
	Inserts []Insert `cbor:"1,keyasint,omitempty"`
	Deletes []ID     `cbor:"2,keyasint,omitempty"`
}

// DecodeUpdate parses and validates raw update bytes.
func DecodeUpdate(data []byte) (Update, error) {
	if len(data) == 0 {
		return Update{}, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	var u Update
	if err := unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, ins := range u.Inserts {
		if ins.ID.Replica == "" || ins.ID.Clock == 0 {
			return Update{}, fmt.Errorf("%w: insert without id", ErrMalformedUpdate)
		}
		if ins.Value == "" {
			return Update{}, fmt.Errorf("%w: empty insert %s", ErrMalformedUpdate, ins.ID)
		}
	}
	for _, del := range u.Deletes {
		if del.Replica == "" || del.Clock == 0 {
			return Update{}, fmt.Errorf("%w: delete without id", ErrMalformedUpdate)
		}
	}
	return u, nil
}

// Encode serializes u deterministically.
func (u Update) Encode() ([]byte, error) {
	return marshal(u)
}

type Document struct {
	inserts    map[ID]Insert
	tombstones map[ID]struct{}
	maxClock   uint64
}

func NewDocument() *Document {
	return &Document{
		inserts:    make(map[ID]Insert),
		tombstones: make(map[ID]struct{}),
	}
}

// Apply merges raw update bytes and reports whether anything new was learned.
// A malformed update leaves the document untouched. An insert reusing a known
// ID with a different origin or value is malformed.
func (d *Document) Apply(data []byte) (bool, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return false, err
	}
	if err := d.checkConflicts(u); err != nil {
		return false, err
	}
	return d.merge(u), nil
}

func (d *Document) checkConflicts(u Update) error {
	seen := make(map[ID]Insert, len(u.Inserts))
	for _, ins := range u.Inserts {
		prev, ok := d.inserts[ins.ID]
		if !ok {
			prev, ok = seen[ins.ID]
		}
		if ok && prev != ins {
			return fmt.Errorf("%w: conflicting insert %s", ErrMalformedUpdate, ins.ID)
		}
		seen[ins.ID] = ins
	}
	return nil
}

func (d *Document) merge(u Update) bool {
	changed := false
	for _, ins := range u.Inserts {
		if _, ok := d.inserts[ins.ID]; ok {
			continue
		}
		d.inserts[ins.ID] = ins
		if ins.ID.Clock > d.maxClock {
			d.maxClock = ins.ID.Clock
		}
		changed = true
	}
	// Tombstones for elements not seen yet are kept; they hide the element
	// once its insert arrives.
	for _, id := range u.Deletes {
		if _, ok := d.tombstones[id]; ok {
			continue
		}
		d.tombstones[id] = struct{}{}
		changed = true
	}
	return changed
}

// EncodeState returns the whole document as one update. Operations are sorted
// so that replicas holding the same operations produce identical bytes.
func (d *Document) EncodeState() ([]byte, error) {
	u := Update{
		Inserts: make([]Insert, 0, len(d.inserts)),
		Deletes: make([]ID, 0, len(d.tombstones)),
	}
	for _, ins := range d.inserts {
		u.Inserts = append(u.Inserts, ins)
	}
	for id := range d.tombstones {
		u.Deletes = append(u.Deletes, id)
	}
	slices.SortFunc(u.Inserts, func(a, b Insert) int { return compareID(a.ID, b.ID) })
	slices.SortFunc(u.Deletes, compareID)
	return u.Encode()
}

// Text materializes the visible content.
func (d *Document) Text() string {
	var b strings.Builder
	for _, ins := range d.sequence() {
		if _, dead := d.tombstones[ins.ID]; !dead {
			b.WriteString(ins.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible elements.
func (d *Document) Len() int {
	return len(d.visible())
}

// OpCount returns the number of stored operations, tombstones included.
func (d *Document) OpCount() int {
	return len(d.inserts) + len(d.tombstones)
}

func (d *Document) visible() []ID {
	seq := d.sequence()
	ids := make([]ID, 0, len(seq))
	for _, ins := range seq {
		if _, dead := d.tombstones[ins.ID]; !dead {
			ids = append(ids, ins.ID)
		}
	}
	return ids
}

// sequence orders every insert reachable from the document start. Siblings
// sharing an origin are visited newest first; inserts whose origin has not
// arrived yet stay invisible until it does.
func (d *Document) sequence() []Insert {
	children := make(map[ID][]Insert, len(d.inserts))
	for _, ins := range d.inserts {
		children[ins.Origin] = append(children[ins.Origin], ins)
	}
	for origin := range children {
		slices.SortFunc(children[origin], func(a, b Insert) int { return compareID(b.ID, a.ID) })
	}

	out := make([]Insert, 0, len(d.inserts))
	stack := slices.Clone(children[ID{}])
	slices.Reverse(stack)
	for len(stack) > 0 {
		ins := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, ins)

		kids := children[ins.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}
