package entities

// DatabaseCollection is an ordered set of databases keyed by (name, language).
// Iteration follows first-insertion order; adding an existing key replaces the
// entry in place.
type DatabaseCollection struct {
	order []Key
	items map[Key]*Database
}

// NewDatabaseCollection creates a collection holding dbs.
func NewDatabaseCollection(dbs ...*Database) *DatabaseCollection {
	c := &DatabaseCollection{items: make(map[Key]*Database)}
	for _, db := range dbs {
		c.Add(db)
	}
	return c
}

// Add inserts db, replacing any entry with the same key.
func (c *DatabaseCollection) Add(db *Database) {
	if c.items == nil {
		c.items = make(map[Key]*Database)
	}
	k := db.Key()
	if _, exists := c.items[k]; !exists {
		c.order = append(c.order, k)
	}
	c.items[k] = db
}

// Get returns the database stored under (name, language).
func (c *DatabaseCollection) Get(name string, language Language) (*Database, bool) {
	db, ok := c.items[Key{Name: name, Language: language}]
	return db, ok
}

// Len returns the number of databases.
func (c *DatabaseCollection) Len() int { return len(c.order) }

// Keys returns the keys in iteration order.
func (c *DatabaseCollection) Keys() []Key {
	out := make([]Key, len(c.order))
	copy(out, c.order)
	return out
}

// All returns the databases in iteration order.
func (c *DatabaseCollection) All() []*Database {
	out := make([]*Database, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.items[k])
	}
	return out
}

// Merge adds every database of other, in its order.
func (c *DatabaseCollection) Merge(other *DatabaseCollection) {
	if other == nil {
		return
	}
	for _, db := range other.All() {
		c.Add(db)
	}
}
