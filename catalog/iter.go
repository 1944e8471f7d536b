package catalog

// Tablespaces returns every registered tablespace, ordered by position.
func (c *Catalog) Tablespaces() []*Tablespace {
	out := make([]*Tablespace, len(c.tablespaces))
	copy(out, c.tablespaces)
	return out
}

// DBs returns every registered database, ordered by position.
func (c *Catalog) DBs() []*Database {
	out := make([]*Database, len(c.databases))
	copy(out, c.databases)
	return out
}

// Tables returns db's tables, in insertion (dense, zero-based) order.
func (db *Database) Tables() []*Table {
	out := make([]*Table, len(db.tables))
	copy(out, db.tables)
	return out
}

// DBObjects returns db's non-table objects, in position (dense, zero-based)
// order. Per spec.md §4.2, callers must still visit db.Tables() first: "first
// all tables in insertion order, then non-table objects by position."
func (db *Database) DBObjects() []Item {
	out := make([]Item, len(db.objects))
	copy(out, db.objects)
	return out
}

// ImageOrder walks the catalogue in the exact emission order spec.md §4.3
// mandates for the catalogue section: tablespaces, then databases, and for
// each database its tables followed by its non-table objects. It is
// computed on demand rather than tracked incrementally, since it is a pure
// function of the containers above.
func (c *Catalog) ImageOrder() []Item {
	out := make([]Item, 0, len(c.arena))
	for _, ts := range c.tablespaces {
		out = append(out, ts)
	}
	for _, db := range c.databases {
		out = append(out, db)
		for _, t := range db.tables {
			out = append(out, t)
		}
		for _, obj := range db.objects {
			out = append(out, obj)
		}
	}
	return out
}

// SnapshotTableCount returns the number of tables recorded so far for the
// given assigned (1-based) snapshot number.
func (c *Catalog) SnapshotTableCount(snapshotNo uint16) int {
	if snapshotNo == 0 || int(snapshotNo) > len(c.snapshotTables) {
		return 0
	}
	return len(c.snapshotTables[snapshotNo-1])
}
