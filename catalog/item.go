package catalog

import "fmt"

// Tag is the closed set of catalogue item types.
type Tag uint8

const (
	TagTablespace Tag = iota
	TagDatabase
	TagTable
	TagView
	TagStoredProcedure
	TagStoredFunction
	TagEvent
	TagTrigger
	TagPrivilege
)

func (t Tag) String() string {
	switch t {
	case TagTablespace:
		return "tablespace"
	case TagDatabase:
		return "database"
	case TagTable:
		return "table"
	case TagView:
		return "view"
	case TagStoredProcedure:
		return "stored-procedure"
	case TagStoredFunction:
		return "stored-function"
	case TagEvent:
		return "event"
	case TagTrigger:
		return "trigger"
	case TagPrivilege:
		return "privilege"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Item is the closed sum type every catalogue entry satisfies. Rather than
// the source's cast-based "inheritance" via a leading sub-structure, each
// concrete item is its own struct and dispatch happens by switching on Tag().
type Item interface {
	Tag() Tag
	// ItemName returns the item's identifier-safe display name. For
	// privileges this is already stripped of its uniquifier suffix.
	ItemName() string

	item() // unexported marker, closes the sum type to this package
}

// Tablespace is a global item: position within the catalogue's tablespace
// collection.
type Tablespace struct {
	Name string
	Pos  int
}

func (t *Tablespace) Tag() Tag         { return TagTablespace }
func (t *Tablespace) ItemName() string { return t.Name }
func (t *Tablespace) item()            {}

// Database is a global item: position within the catalogue's database
// collection.
type Database struct {
	Name string
	Pos  int

	tables  []*Table
	objects []Item
}

func (d *Database) Tag() Tag         { return TagDatabase }
func (d *Database) ItemName() string { return d.Name }
func (d *Database) item()            {}

// Table belongs to exactly one database and exactly one snapshot. Its
// coordinate is (snapshot_no, position_within_snapshot); it additionally
// carries the database it lives in and its position within that database's
// table list, since §4.2 "insertion order" for a database always lists its
// tables first.
type Table struct {
	Name       string
	DBNo       int
	DBPos      int // position within the owning database's table list
	SnapshotNo uint16
	Pos        int // position within the owning snapshot's table array
}

func (t *Table) Tag() Tag         { return TagTable }
func (t *Table) ItemName() string { return t.Name }
func (t *Table) item()            {}

// View, StoredProcedure, StoredFunction, Event are plain per-database
// objects, positioned by DBObjectCoord.
type View struct {
	Name string
	DBNo int
	Pos  int
}

func (v *View) Tag() Tag         { return TagView }
func (v *View) ItemName() string { return v.Name }
func (v *View) item()            {}

type StoredProcedure struct {
	Name string
	DBNo int
	Pos  int
}

func (p *StoredProcedure) Tag() Tag         { return TagStoredProcedure }
func (p *StoredProcedure) ItemName() string { return p.Name }
func (p *StoredProcedure) item()            {}

type StoredFunction struct {
	Name string
	DBNo int
	Pos  int
}

func (f *StoredFunction) Tag() Tag         { return TagStoredFunction }
func (f *StoredFunction) ItemName() string { return f.Name }
func (f *StoredFunction) item()            {}

type Event struct {
	Name string
	DBNo int
	Pos  int
}

func (e *Event) Tag() Tag         { return TagEvent }
func (e *Event) ItemName() string { return e.Name }
func (e *Event) item()            {}

// Trigger may be scoped per-database (DBObjectCoord) or per-table
// (TableObjectCoord); TablePos is -1 when it is database-scoped.
type Trigger struct {
	Name     string
	DBNo     int
	TablePos int // -1 if database-scoped
	Pos      int
}

func (t *Trigger) Tag() Tag         { return TagTrigger }
func (t *Trigger) ItemName() string { return t.Name }
func (t *Trigger) item()            {}

// Privilege carries a separate UniqueID instead of mangling Name with a
// trailing numeric uniquifier (resolution of Open Question 2 in spec.md §9:
// "recommend: store a separate unique_id field, never mangle the name").
type Privilege struct {
	Name     string
	UniqueID uint32
	DBNo     int
	Pos      int
}

func (p *Privilege) Tag() Tag         { return TagPrivilege }
func (p *Privilege) ItemName() string { return p.Name }
func (p *Privilege) item()            {}
