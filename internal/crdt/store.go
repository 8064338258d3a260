package crdt

// Store holds one document per room. Documents are created lazily and
// dropped together with their room. A Store is owned by the room registry
// and is not safe for concurrent use.
type Store struct {
	docs map[string]*Document
}

func NewStore() *Store {
	return &Store{docs: make(map[string]*Document)}
}

// GetOrCreate returns the room's document, creating an empty one on first
// access.
func (s *Store) GetOrCreate(roomID string) *Document {
	doc, ok := s.docs[roomID]
	if !ok {
		doc = NewDocument()
		s.docs[roomID] = doc
	}
	return doc
}

// Apply merges update into the room's document and returns the bytes to relay
// verbatim to other members.
func (s *Store) Apply(roomID string, update []byte) ([]byte, error) {
	if _, err := s.GetOrCreate(roomID).Apply(update); err != nil {
		return nil, err
	}
	return update, nil
}

// EncodeFull snapshots the room's document for a newly joined member.
func (s *Store) EncodeFull(roomID string) ([]byte, error) {
	return s.GetOrCreate(roomID).EncodeState()
}

func (s *Store) Has(roomID string) bool {
	_, ok := s.docs[roomID]
	return ok
}

func (s *Store) Delete(roomID string) {
	delete(s.docs, roomID)
}

func (s *Store) Len() int {
	return len(s.docs)
}
