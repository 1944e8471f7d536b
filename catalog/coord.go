package catalog

// GlobalCoord locates a tablespace or database by its position in the
// corresponding top-level collection.
type GlobalCoord struct {
	Pos int
}

// TableCoord locates a table by its snapshot number and its position within
// that snapshot's table array. Tables are numbered inside their snapshot,
// not inside their database.
type TableCoord struct {
	SnapshotNo uint16
	Pos        int
}

// DBObjectCoord locates a non-table per-database item (view, stored
// procedure, stored function, event, trigger-at-db-scope, privilege) by its
// database number and its position within that database's object list.
type DBObjectCoord struct {
	DBNo int
	Pos  int
}

// TableObjectCoord locates a per-table item (e.g. a trigger scoped to one
// table) by database number, the table's position within that database, and
// its own position within the table.
type TableObjectCoord struct {
	DBNo      int
	TablePos  int
	Pos       int
}
