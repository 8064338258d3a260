package room

// ConnIndex maps a live connection to the room it is in. It is a lookup aid
// only and never keeps a room alive.
type ConnIndex struct {
	rooms map[string]string
}

func NewConnIndex() *ConnIndex {
	return &ConnIndex{rooms: make(map[string]string)}
}

// Bind records connID as being in roomID, replacing any earlier entry.
func (c *ConnIndex) Bind(connID, roomID string) {
	c.rooms[connID] = roomID
}

func (c *ConnIndex) Lookup(connID string) (string, bool) {
	roomID, ok := c.rooms[connID]
	return roomID, ok
}

func (c *ConnIndex) Unbind(connID string) {
	delete(c.rooms, connID)
}

// UnbindRoom drops every entry pointing at roomID.
func (c *ConnIndex) UnbindRoom(roomID string) {
	for connID, r := range c.rooms {
		if r == roomID {
			delete(c.rooms, connID)
		}
	}
}

func (c *ConnIndex) Len() int {
	return len(c.rooms)
}
