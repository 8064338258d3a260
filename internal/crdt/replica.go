package crdt

import (
	"fmt"
)

// Replica is a local editor on top of a Document. It turns positional edits
// into updates that can be shipped to other replicas.
type Replica struct {
	id  string
	doc *Document
}

func NewReplica(id string) *Replica {
	return &Replica{id: id, doc: NewDocument()}
}

func (r *Replica) ID() string { return r.id }

func (r *Replica) Document() *Document { return r.doc }

func (r *Replica) Apply(update []byte) (bool, error) {
	return r.doc.Apply(update)
}

func (r *Replica) Text() string { return r.doc.Text() }

func (r *Replica) EncodeState() ([]byte, error) { return r.doc.EncodeState() }

// Insert places text before the visible element at pos and returns the
// update describing the edit.
func (r *Replica) Insert(pos int, text string) ([]byte, error) {
	visible := r.doc.visible()
	if pos < 0 || pos > len(visible) {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, len(visible))
	}

	var origin ID
	if pos > 0 {
		origin = visible[pos-1]
	}

	var u Update
	clock := r.doc.maxClock
	for _, ch := range text {
		clock++
		id := ID{Replica: r.id, Clock: clock}
		u.Inserts = append(u.Inserts, Insert{ID: id, Origin: origin, Value: string(ch)})
		origin = id
	}
	return r.commit(u)
}

// Delete removes n visible elements starting at pos.
func (r *Replica) Delete(pos, n int) ([]byte, error) {
	visible := r.doc.visible()
	if pos < 0 || n < 0 || pos+n > len(visible) {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+n, len(visible))
	}

	u := Update{Deletes: append([]ID(nil), visible[pos:pos+n]...)}
	return r.commit(u)
}

func (r *Replica) commit(u Update) ([]byte, error) {
	data, err := u.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	r.doc.merge(u)
	return data, nil
}
