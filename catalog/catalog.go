// Package catalog implements the typed, ordered inventory of databases,
// tablespaces, tables and per-database objects that a backup image
// describes, plus the coordinate scheme used to locate any item inside it.
//
// The source this subsystem is modeled on represents items as C structs
// glued together by a leading "base" sub-structure and reinterpret-casts
// between them. Here every item type is its own struct implementing the
// closed Item interface (a tagged union), and every "pointer into a
// MEM_ROOT" becomes a stable index into an arena slice (see arena in this
// file) that is never invalidated by growth.
package catalog

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/polarsignals/imgbackup/ierrors"
)

const component = "catalog"

// ErrNotFound is returned by Find and the Get* accessors when no item
// exists at the requested coordinate or name. It is an ordinary outcome,
// not a programming-error class failure.
var ErrNotFound = errors.New("catalog: not found")

// maxSnapshots is the hard ceiling on assigned snapshots (spec.md §3 "at
// most 256 different snapshots per image"). Snapshot numbers are carried as
// a two-byte wire field precisely so this boundary (1..256) is representable
// without reserving 0, which is kept free as the data-chunks end marker.
const maxSnapshots = 256

// Descriptor is the lookup key accepted by Find: an item is matched by name,
// optionally scoped to a database.
type Descriptor struct {
	DB   string // empty means "any database" (matches tablespaces too)
	Name string
}

// Catalog is the top-level, ordered inventory described in spec.md §3. It
// owns every item node in a single arena; all accessors return references
// borrowed from that arena whose lifetime equals the Catalog's own.
type Catalog struct {
	Header Header

	arena []Item // owning storage; index is the stable "handle"

	tablespaces []*Tablespace
	databases   []*Database

	pendingSnapshots []SnapshotDescriptor
	snapshotAssigned []uint16 // parallel to pendingSnapshots; 0 = not yet assigned a wire number
	snapshots        []SnapshotDescriptor
	snapshotTables   [][]int // per assigned snapshot_no-1: arena indices, in-snapshot order

	nameIndex map[uint64][]int // lazily built xxhash(name) -> arena indices, for Find
}

// New returns an empty catalogue, ready for population.
func New() *Catalog {
	return &Catalog{}
}

func (c *Catalog) alloc(it Item) int {
	c.arena = append(c.arena, it)
	c.nameIndex = nil // invalidate the lazy find index
	return len(c.arena) - 1
}

// AddTablespace registers a tablespace at position pos, which must equal
// the number of tablespaces already registered (dense, zero-based).
func (c *Catalog) AddTablespace(name string, pos int) (*Tablespace, error) {
	if pos != len(c.tablespaces) {
		return nil, densityError(component, "tablespace", pos, len(c.tablespaces))
	}
	ts := &Tablespace{Name: name, Pos: pos}
	c.alloc(ts)
	c.tablespaces = append(c.tablespaces, ts)
	return ts, nil
}

// AddDatabase registers a database at position pos, dense and zero-based
// like AddTablespace.
func (c *Catalog) AddDatabase(name string, pos int) (*Database, error) {
	if pos != len(c.databases) {
		return nil, densityError(component, "database", pos, len(c.databases))
	}
	db := &Database{Name: name, Pos: pos}
	c.alloc(db)
	c.databases = append(c.databases, db)
	return db, nil
}

// AddSnapshot registers a snapshot descriptor and returns an opaque handle
// for use with AddTable. No wire-visible snapshot number is consumed until
// the handle's first table is added (spec.md §3 invariant: "a snapshot with
// no tables is not included; snapshot numbering is assigned on first
// add_table for that snapshot"). The 256-snapshot ceiling is therefore
// enforced by AddTable when a handle receives its number, not here.
func (c *Catalog) AddSnapshot(desc SnapshotDescriptor) (handle int, err error) {
	c.pendingSnapshots = append(c.pendingSnapshots, desc)
	c.snapshotAssigned = append(c.snapshotAssigned, 0)
	return len(c.pendingSnapshots) - 1, nil
}

// AddTable records a table in both its database's table list and its
// snapshot's table array, assigning the snapshot a wire number on first use.
// dbPos identifies the owning database; pos is the table's position within
// that database's table list (dense, zero-based, insertion order); the
// table's position within its snapshot is assigned internally.
func (c *Catalog) AddTable(dbPos int, name string, snapshotHandle int, pos int) (*Table, error) {
	if dbPos < 0 || dbPos >= len(c.databases) {
		return nil, ierrors.New(ierrors.LogicError, component, fmt.Sprintf("add_table: no database at position %d", dbPos))
	}
	db := c.databases[dbPos]
	if pos != len(db.tables) {
		return nil, densityError(component, fmt.Sprintf("database[%d].tables", dbPos), pos, len(db.tables))
	}
	if snapshotHandle < 0 || snapshotHandle >= len(c.pendingSnapshots) {
		return nil, ierrors.New(ierrors.LogicError, component, fmt.Sprintf("add_table: unknown snapshot handle %d", snapshotHandle))
	}

	snapshotNo := c.snapshotAssigned[snapshotHandle]
	if snapshotNo == 0 {
		if len(c.snapshots) >= maxSnapshots {
			return nil, ierrors.New(ierrors.FormatError, component, "too many snapshots with tables (> 256)")
		}
		c.snapshots = append(c.snapshots, c.pendingSnapshots[snapshotHandle])
		snapshotNo = uint16(len(c.snapshots))
		c.snapshotAssigned[snapshotHandle] = snapshotNo
		c.snapshotTables = append(c.snapshotTables, nil)
	}

	slot := int(snapshotNo) - 1
	posInSnapshot := len(c.snapshotTables[slot])

	t := &Table{
		Name:       name,
		DBNo:       dbPos,
		DBPos:      pos,
		SnapshotNo: snapshotNo,
		Pos:        posInSnapshot,
	}
	idx := c.alloc(t)
	db.tables = append(db.tables, t)
	c.snapshotTables[slot] = append(c.snapshotTables[slot], idx)
	c.snapshots[slot].TableCount++
	return t, nil
}

// RestoreSnapshot registers a snapshot descriptor unconditionally (skipping
// the lazy first-add_table assignment in AddSnapshot) and returns its
// assigned wire number. It exists solely for image deserialization, where
// every snapshot in the header is already known to have at least one table
// and the original assignment order must be reproduced exactly rather than
// re-derived (spec.md §8 invariant 1: serialize-then-deserialize round
// trip must reproduce identical snapshot bindings).
func (c *Catalog) RestoreSnapshot(desc SnapshotDescriptor) (uint16, error) {
	if len(c.snapshots) >= maxSnapshots {
		return 0, ierrors.New(ierrors.FormatError, component, "too many snapshots (> 256)")
	}
	c.snapshots = append(c.snapshots, desc)
	c.snapshotTables = append(c.snapshotTables, nil)
	return uint16(len(c.snapshots)), nil
}

// RestoreTable places a table at an explicit, already-known snapshot number
// and position, for use by the image deserializer only. Callers must
// present tables to the same snapshotNo in increasing snapshotPos order
// (the deserializer sorts across all databases globally before calling
// this, since a table's snapshot position is independent of its database).
// dbTablePos values of one database may therefore arrive in any order; each
// position may be filled only once.
func (c *Catalog) RestoreTable(dbPos int, name string, snapshotNo uint16, dbTablePos int) (*Table, error) {
	if dbPos < 0 || dbPos >= len(c.databases) {
		return nil, ierrors.New(ierrors.LogicError, component, fmt.Sprintf("restore_table: no database at position %d", dbPos))
	}
	db := c.databases[dbPos]
	if dbTablePos < 0 {
		return nil, densityError(component, fmt.Sprintf("database[%d].tables", dbPos), dbTablePos, len(db.tables))
	}
	for len(db.tables) <= dbTablePos {
		db.tables = append(db.tables, nil)
	}
	if db.tables[dbTablePos] != nil {
		return nil, ierrors.New(ierrors.LogicError, component, fmt.Sprintf("restore_table: database[%d] already has a table at position %d", dbPos, dbTablePos))
	}
	if snapshotNo == 0 || int(snapshotNo) > len(c.snapshots) {
		return nil, ierrors.New(ierrors.LogicError, component, fmt.Sprintf("restore_table: unknown snapshot number %d", snapshotNo))
	}
	slot := int(snapshotNo) - 1
	posInSnapshot := len(c.snapshotTables[slot])

	t := &Table{
		Name:       name,
		DBNo:       dbPos,
		DBPos:      dbTablePos,
		SnapshotNo: snapshotNo,
		Pos:        posInSnapshot,
	}
	idx := c.alloc(t)
	db.tables[dbTablePos] = t
	c.snapshotTables[slot] = append(c.snapshotTables[slot], idx)
	c.snapshots[slot].TableCount++
	return t, nil
}

func (c *Catalog) addDBObject(dbPos, pos int, it Item) error {
	if dbPos < 0 || dbPos >= len(c.databases) {
		return ierrors.New(ierrors.LogicError, component, fmt.Sprintf("add_db_object: no database at position %d", dbPos))
	}
	db := c.databases[dbPos]
	if pos != len(db.objects) {
		return densityError(component, fmt.Sprintf("database[%d].objects", dbPos), pos, len(db.objects))
	}
	c.alloc(it)
	db.objects = append(db.objects, it)
	return nil
}

// AddView registers a view at db-scoped position pos.
func (c *Catalog) AddView(dbPos int, name string, pos int) (*View, error) {
	v := &View{Name: name, DBNo: dbPos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddStoredProcedure registers a stored procedure at db-scoped position pos.
func (c *Catalog) AddStoredProcedure(dbPos int, name string, pos int) (*StoredProcedure, error) {
	p := &StoredProcedure{Name: name, DBNo: dbPos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddStoredFunction registers a stored function at db-scoped position pos.
func (c *Catalog) AddStoredFunction(dbPos int, name string, pos int) (*StoredFunction, error) {
	f := &StoredFunction{Name: name, DBNo: dbPos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, f); err != nil {
		return nil, err
	}
	return f, nil
}

// AddEvent registers an event at db-scoped position pos.
func (c *Catalog) AddEvent(dbPos int, name string, pos int) (*Event, error) {
	e := &Event{Name: name, DBNo: dbPos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AddTrigger registers a trigger. tablePos selects the table it is scoped
// to within the database's table list, or -1 for a database-scoped trigger.
func (c *Catalog) AddTrigger(dbPos, tablePos int, name string, pos int) (*Trigger, error) {
	t := &Trigger{Name: name, DBNo: dbPos, TablePos: tablePos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddPrivilege registers a privilege. Per spec.md §9 Open Question 2, the
// reversible encoding is resolved by carrying uniqueID as its own field:
// name is never mangled with a trailing numeric uniquifier.
func (c *Catalog) AddPrivilege(dbPos int, name string, uniqueID uint32, pos int) (*Privilege, error) {
	if containsLegacyUniquifier(name) {
		return nil, ierrors.New(ierrors.LogicError, component,
			fmt.Sprintf("privilege name %q carries a legacy uniquifier suffix; pass it via uniqueID instead", name))
	}
	p := &Privilege{Name: name, UniqueID: uniqueID, DBNo: dbPos, Pos: pos}
	if err := c.addDBObject(dbPos, pos, p); err != nil {
		return nil, err
	}
	return p, nil
}

func containsLegacyUniquifier(name string) bool {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	return i < len(name) && i > 0 && name[i-1] == '\x00'
}

// GetTablespace returns the tablespace at pos, or a not-found error.
func (c *Catalog) GetTablespace(pos int) (*Tablespace, error) {
	if pos < 0 || pos >= len(c.tablespaces) {
		return nil, notFound(component, "tablespace", pos)
	}
	return c.tablespaces[pos], nil
}

// GetDB returns the database at pos, or a not-found error.
func (c *Catalog) GetDB(pos int) (*Database, error) {
	if pos < 0 || pos >= len(c.databases) {
		return nil, notFound(component, "database", pos)
	}
	return c.databases[pos], nil
}

// GetTable returns the table at (snapshotNo, pos), or a not-found error.
func (c *Catalog) GetTable(snapshotNo uint16, pos int) (*Table, error) {
	if snapshotNo == 0 || int(snapshotNo) > len(c.snapshotTables) {
		return nil, notFound(component, "snapshot", int(snapshotNo))
	}
	slot := c.snapshotTables[snapshotNo-1]
	if pos < 0 || pos >= len(slot) {
		return nil, notFound(component, "table", pos)
	}
	return c.arena[slot[pos]].(*Table), nil
}

// GetDBObject returns the non-table object at (dbNo, pos) within that
// database's object list (tables are not addressable through this call;
// use GetTable).
func (c *Catalog) GetDBObject(dbNo, pos int) (Item, error) {
	if dbNo < 0 || dbNo >= len(c.databases) {
		return nil, notFound(component, "database", dbNo)
	}
	db := c.databases[dbNo]
	if pos < 0 || pos >= len(db.objects) {
		return nil, notFound(component, "db_object", pos)
	}
	return db.objects[pos], nil
}

// Find looks an item up by Descriptor, using a lazily built name index.
func (c *Catalog) Find(d Descriptor) (Item, error) {
	if c.nameIndex == nil {
		c.buildNameIndex()
	}
	h := xxhash.Sum64String(d.Name)
	for _, idx := range c.nameIndex[h] {
		it := c.arena[idx]
		if it.ItemName() != d.Name {
			continue // hash collision
		}
		if d.DB == "" {
			return it, nil
		}
		if ownerName, ok := c.owningDBName(it); ok && ownerName == d.DB {
			return it, nil
		}
	}
	return nil, notFound(component, "item", 0)
}

func (c *Catalog) buildNameIndex() {
	c.nameIndex = make(map[uint64][]int, len(c.arena))
	for idx, it := range c.arena {
		h := xxhash.Sum64String(it.ItemName())
		c.nameIndex[h] = append(c.nameIndex[h], idx)
	}
}

func (c *Catalog) owningDBName(it Item) (string, bool) {
	var dbNo int
	switch v := it.(type) {
	case *Table:
		dbNo = v.DBNo
	case *View:
		dbNo = v.DBNo
	case *StoredProcedure:
		dbNo = v.DBNo
	case *StoredFunction:
		dbNo = v.DBNo
	case *Event:
		dbNo = v.DBNo
	case *Trigger:
		dbNo = v.DBNo
	case *Privilege:
		dbNo = v.DBNo
	default:
		return "", false
	}
	if dbNo < 0 || dbNo >= len(c.databases) {
		return "", false
	}
	return c.databases[dbNo].Name, true
}

// Snapshots returns the descriptors of every snapshot that has at least one
// table, in assigned (1-based) order; index 0 is snapshot number 1.
func (c *Catalog) Snapshots() []SnapshotDescriptor {
	out := make([]SnapshotDescriptor, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

func densityError(component, container string, got, want int) error {
	return ierrors.New(ierrors.LogicError, component,
		fmt.Sprintf("%s position must be dense: got %d, expected %d", container, got, want))
}

func notFound(_, kind string, pos int) error {
	return fmt.Errorf("%s at position %d: %w", kind, pos, ErrNotFound)
}
