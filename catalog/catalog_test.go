package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDensePositions(t *testing.T) {
	c := New()

	_, err := c.AddDatabase("d0", 0)
	require.NoError(t, err)
	_, err = c.AddDatabase("d1", 1)
	require.NoError(t, err)

	_, err = c.AddDatabase("gap", 3)
	require.Error(t, err)
}

func TestAddTableAssignsSnapshotOnFirstUse(t *testing.T) {
	c := New()
	dbPos, err := c.AddDatabase("d", 0)
	require.NoError(t, err)
	require.Equal(t, 0, dbPos.Pos)

	h1, err := c.AddSnapshot(SnapshotDescriptor{Kind: SnapshotNative, EngineName: "innodb"})
	require.NoError(t, err)
	h2, err := c.AddSnapshot(SnapshotDescriptor{Kind: SnapshotDefaultBlocking})
	require.NoError(t, err)

	// Neither handle holds a wire snapshot number until its first table is added.
	t1, err := c.AddTable(0, "t1", h1, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(1), t1.SnapshotNo)

	t2, err := c.AddTable(0, "t2", h2, 1)
	require.NoError(t, err)
	require.Equal(t, uint16(2), t2.SnapshotNo)

	require.Len(t, c.Snapshots(), 2)
	require.Equal(t, uint32(1), c.Snapshots()[0].TableCount)
	require.Equal(t, uint32(1), c.Snapshots()[1].TableCount)
}

func TestAddTableSharesSnapshotAcrossDatabases(t *testing.T) {
	c := New()
	db0, _ := c.AddDatabase("d0", 0)
	db1, _ := c.AddDatabase("d1", 1)
	h, _ := c.AddSnapshot(SnapshotDescriptor{Kind: SnapshotConsistent})

	t1, err := c.AddTable(db0.Pos, "t1", h, 0)
	require.NoError(t, err)
	t2, err := c.AddTable(db1.Pos, "t2", h, 0)
	require.NoError(t, err)

	require.Equal(t, t1.SnapshotNo, t2.SnapshotNo)
	require.Equal(t, 0, t1.Pos)
	require.Equal(t, 1, t2.Pos)

	got, err := c.GetTable(t1.SnapshotNo, 1)
	require.NoError(t, err)
	require.Equal(t, "t2", got.Name)
}

func TestImageOrderListsTablesBeforeObjects(t *testing.T) {
	c := New()
	db, _ := c.AddDatabase("d", 0)
	h, _ := c.AddSnapshot(SnapshotDescriptor{Kind: SnapshotNoData})

	_, err := c.AddView(db.Pos, "v", 0)
	require.NoError(t, err)
	_, err = c.AddTable(db.Pos, "t", h, 0)
	require.NoError(t, err)

	order := c.ImageOrder()
	require.Len(t, order, 3) // db, table, view
	require.Equal(t, TagDatabase, order[0].Tag())
	require.Equal(t, TagTable, order[1].Tag())
	require.Equal(t, TagView, order[2].Tag())
}

func TestFindScopesByDatabase(t *testing.T) {
	c := New()
	db0, _ := c.AddDatabase("d0", 0)
	db1, _ := c.AddDatabase("d1", 1)
	h, _ := c.AddSnapshot(SnapshotDescriptor{})

	_, err := c.AddTable(db0.Pos, "shared", h, 0)
	require.NoError(t, err)
	_, err = c.AddTable(db1.Pos, "shared", h, 0)
	require.NoError(t, err)

	found, err := c.Find(Descriptor{DB: "d1", Name: "shared"})
	require.NoError(t, err)
	tbl := found.(*Table)
	require.Equal(t, db1.Pos, tbl.DBNo)
}

func TestTooManySnapshotsWithTables(t *testing.T) {
	c := New()
	db, _ := c.AddDatabase("d", 0)
	var last *Table
	for i := 0; i < maxSnapshots; i++ {
		h, err := c.AddSnapshot(SnapshotDescriptor{})
		require.NoError(t, err)
		last, err = c.AddTable(db.Pos, "t", h, i)
		require.NoError(t, err)
	}
	// The 256th snapshot is the legal boundary (spec.md §8): it must round-trip
	// as 256, not wrap to 0 the way a uint8 counter would.
	require.Equal(t, uint16(maxSnapshots), last.SnapshotNo)

	h, err := c.AddSnapshot(SnapshotDescriptor{})
	require.NoError(t, err)
	_, err = c.AddTable(db.Pos, "overflow", h, maxSnapshots)
	require.Error(t, err)
}

func TestPrivilegeRejectsLegacyUniquifier(t *testing.T) {
	c := New()
	db, _ := c.AddDatabase("d", 0)

	_, err := c.AddPrivilege(db.Pos, "SELECT\x0012", 12, 0)
	require.Error(t, err)

	p, err := c.AddPrivilege(db.Pos, "SELECT", 12, 0)
	require.NoError(t, err)
	require.Equal(t, "SELECT", p.Name)
	require.Equal(t, uint32(12), p.UniqueID)
}
