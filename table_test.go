package coldoc_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldocdb/coldoc"
	"github.com/coldocdb/coldoc/boltstore"
	"github.com/coldocdb/coldoc/errors"
	"github.com/coldocdb/coldoc/memstore"
)

func quietOptions() coldoc.Options {
	return coldoc.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestDB(t *testing.T) *coldoc.Database {
	t.Helper()
	db, err := coldoc.Open(memstore.NewConn(), quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newBoltTestDB(t *testing.T) *coldoc.Database {
	t.Helper()
	conn, err := boltstore.Open(filepath.Join(t.TempDir(), "test.db"), boltstore.Options{IsTesting: true})
	require.NoError(t, err)
	db, err := coldoc.Open(conn, quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleDoc(id string) *coldoc.Document {
	store := coldoc.NewDocument().SetField("books", coldoc.Int64(10))
	return coldoc.NewDocument().
		SetField("_id", coldoc.String(id)).
		SetField("owner", coldoc.String("Rich")).
		SetField("store", coldoc.Object(store))
}

func TestInsertGetScenario(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)

	doc := sampleDoc("row1")
	require.NoError(t, tbl.Insert(doc))

	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Equal(doc), "Get = %v, wanted %v", got, doc)

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$inc", coldoc.Object(coldoc.NewDocument().SetField("store.books", coldoc.Int64(5)))))
	require.NoError(t, err)

	got, err = tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, ok := got.Get("store.books")
	require.True(t, ok)
	n, _ := v.AsInt64()
	assert.EqualValues(t, 15, n)
}

func TestInsertUniqueness(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)

	first := sampleDoc("row1")
	require.NoError(t, tbl.Insert(first))

	second := sampleDoc("row1")
	second.SetField("owner", coldoc.String("Mallory"))
	err = tbl.Insert(second)
	require.True(t, errors.Is(err, errors.ErrAlreadyExists), "second insert = %v, wanted AlreadyExists", err)

	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	require.True(t, got.Equal(first), "first document was disturbed: %v", got)
}

func TestInsertValidation(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)

	err = tbl.Insert(coldoc.NewDocument().SetField("owner", coldoc.String("nobody")))
	require.True(t, errors.Is(err, errors.ErrInvalidOperation), "no _id insert = %v", err)

	err = tbl.Insert(coldoc.NewDocument().SetField("_id", coldoc.Bool(true)))
	require.True(t, errors.Is(err, errors.ErrInvalidOperation), "bool _id insert = %v", err)
}

func TestGetAbsentAndExists(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)

	got, err := tbl.Get(coldoc.String("nope"))
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, tbl.Insert(sampleDoc("row1")))
	ok, err := tbl.Exists(coldoc.String("row1"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tbl.Exists(coldoc.String("row2"))
	require.NoError(t, err)
	require.False(t, ok)
}

type getCall struct {
	table    string
	families []string
}

type recordingConn struct {
	*memstore.Conn
	gets *[]getCall
}

func (c *recordingConn) Table(name string) (coldoc.Store, error) {
	st, err := c.Conn.Table(name)
	if err != nil {
		return nil, err
	}
	return &recordingStore{Store: st, table: name, gets: c.gets}, nil
}

type recordingStore struct {
	coldoc.Store
	table string
	gets  *[]getCall
}

func (s *recordingStore) Get(row coldoc.ByteKey, families []string, qualifiers ...coldoc.ByteKey) (*coldoc.Row, error) {
	*s.gets = append(*s.gets, getCall{table: s.table, families: families})
	return s.Store.Get(row, families, qualifiers...)
}

func TestProjectionMinimality(t *testing.T) {
	var gets []getCall
	conn := &recordingConn{Conn: memstore.NewConn(), gets: &gets}
	db, err := coldoc.Open(conn, quietOptions())
	require.NoError(t, err)

	loc := coldoc.LocalityMap{Fields: map[string]string{"a": "fa", "b": "fb"}}
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{Locality: loc})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("a", coldoc.Int64(1)).
		SetField("b", coldoc.Int64(2))))

	gets = gets[:0]
	doc, err := tbl.Get(coldoc.String("row1"), "a")
	require.NoError(t, err)
	require.Equal(t, 2, doc.Len()) // _id and a

	require.Len(t, gets, 1)
	require.Equal(t, []string{"fa"}, gets[0].families,
		"get with projection [a] must fetch only family fa")
}

func TestUpdateSetAndUnset(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	// Replacing a nested object must not leave stale columns behind.
	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("store", coldoc.Object(coldoc.NewDocument().SetField("city", coldoc.String("Boston")))).
		SetField("owner", coldoc.String("Carl")))
	require.NoError(t, err)

	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, _ := got.Get("owner")
	assert.Equal(t, "Carl", v.Str())
	_, ok := got.Get("store.books")
	assert.False(t, ok, "store.books should be gone after replacing store: %v", got)
	v, ok = got.Get("store.city")
	require.True(t, ok)
	assert.Equal(t, "Boston", v.Str())

	// Setting a dotted path creates the ancestor object.
	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("contact.email", coldoc.String("carl@example.com")))
	require.NoError(t, err)
	got, err = tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, ok = got.Get("contact.email")
	require.True(t, ok)
	assert.Equal(t, "carl@example.com", v.Str())

	// Setting below an existing object ancestor leaves its siblings alone.
	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("contact.phone", coldoc.String("555-0101")))
	require.NoError(t, err)
	got, err = tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, ok = got.Get("contact.phone")
	require.True(t, ok)
	assert.Equal(t, "555-0101", v.Str())
	v, ok = got.Get("contact.email")
	require.True(t, ok)
	assert.Equal(t, "carl@example.com", v.Str())

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$unset", coldoc.Object(coldoc.NewDocument().SetField("store", coldoc.Bool(true)))))
	require.NoError(t, err)
	got, err = tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	_, ok = got.Field("store")
	assert.False(t, ok, "store should be unset: %v", got)
}

func TestUpdateErrors(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	tests := []struct {
		name string
		mut  *coldoc.Document
		code errors.Code
	}{
		{
			"absent document",
			coldoc.NewDocument().SetField("_id", coldoc.String("ghost")).SetField("owner", coldoc.String("x")),
			errors.ErrNotFound,
		},
		{
			"no id",
			coldoc.NewDocument().SetField("owner", coldoc.String("x")),
			errors.ErrInvalidOperation,
		},
		{
			"$inc of _id",
			coldoc.NewDocument().SetField("_id", coldoc.String("row1")).
				SetField("$inc", coldoc.Object(coldoc.NewDocument().SetField("_id", coldoc.Int64(1)))),
			errors.ErrInvalidOperation,
		},
		{
			"$rollback of _id",
			coldoc.NewDocument().SetField("_id", coldoc.String("row1")).
				SetField("$rollback", coldoc.Array(coldoc.String("_id"))),
			errors.ErrInvalidOperation,
		},
		{
			"set below a scalar",
			coldoc.NewDocument().SetField("_id", coldoc.String("row1")).
				SetField("owner.preferred", coldoc.String("x")),
			errors.ErrInvalidOperation,
		},
		{
			"unknown operator",
			coldoc.NewDocument().SetField("_id", coldoc.String("row1")).
				SetField("$rename", coldoc.Object(coldoc.NewDocument().SetField("a", coldoc.String("b")))),
			errors.ErrInvalidOperation,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := tbl.Update(test.mut)
			require.True(t, errors.Is(err, test.code), "Update = %v, wanted %s", err, test.code)
		})
	}
}

func TestUpdateRollback(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("owner", coldoc.String("Carl")))
	require.NoError(t, err)

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$rollback", coldoc.Array(coldoc.String("owner"))))
	require.NoError(t, err)

	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, _ := got.Get("owner")
	assert.Equal(t, "Rich", v.Str(), "owner should be back to its previous version")

	// A column with a single stored version has nothing to roll back to.
	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$rollback", coldoc.Array(coldoc.String("store.books"))))
	require.True(t, errors.Is(err, errors.ErrInvalidOperation), "rollback without history = %v", err)
}

func TestRollbackUnsupportedOnBolt(t *testing.T) {
	db := newBoltTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$rollback", coldoc.Array(coldoc.String("owner"))))
	require.True(t, errors.Is(err, errors.ErrUnsupportedCapability),
		"rollback on boltstore = %v, wanted UnsupportedCapability", err)
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	require.NoError(t, tbl.Delete(coldoc.String("row1")))
	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	require.Nil(t, got)

	// Idempotent.
	require.NoError(t, tbl.Delete(coldoc.String("row1")))
}

func TestGetManyDeleteMany(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Insert(sampleDoc(id)))
	}

	ids := []coldoc.Value{coldoc.String("a"), coldoc.String("nope"), coldoc.String("c")}
	docs, err := tbl.GetMany(ids)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.NotNil(t, docs[0])
	assert.Nil(t, docs[1])
	assert.NotNil(t, docs[2])

	require.NoError(t, tbl.DeleteMany([]coldoc.Value{coldoc.String("a"), coldoc.String("b")}))
	stats, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
}

func TestFind(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)
	owners := map[string]string{"r1": "Rich", "r2": "Carl", "r3": "Rich"}
	for id, owner := range owners {
		doc := sampleDoc(id)
		doc.SetField("owner", coldoc.String(owner))
		require.NoError(t, tbl.Insert(doc))
	}

	findIDs := func(pred *coldoc.Document, fields ...string) []string {
		it, err := tbl.Find(pred, fields...)
		require.NoError(t, err)
		defer it.Close()
		var ids []string
		for it.Next() {
			v, ok := it.Doc().Field("_id")
			require.True(t, ok)
			ids = append(ids, v.Str())
		}
		require.NoError(t, it.Err())
		return ids
	}

	all := findIDs(nil)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, all)

	rich := findIDs(coldoc.NewDocument().SetField("owner", coldoc.String("Rich")))
	assert.ElementsMatch(t, []string{"r1", "r3"}, rich)

	none := findIDs(coldoc.NewDocument().SetField("owner", coldoc.String("Zed")))
	assert.Empty(t, none)

	// Projection still recovers ids.
	it, err := tbl.Find(coldoc.NewDocument().SetField("owner", coldoc.String("Carl")), "store")
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	doc := it.Doc()
	_, hasOwner := doc.Field("owner")
	assert.False(t, hasOwner, "projected find leaked owner: %v", doc)
	v, ok := doc.Get("store.books")
	require.True(t, ok)
	assert.EqualValues(t, 10, v.Int64())
}

func TestFindWithKeyPrefix(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{KeyPrefix: []byte("t1/")})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	key, err := tbl.RowKey(coldoc.String("row1"))
	require.NoError(t, err)
	require.True(t, key.HasPrefix(coldoc.ByteKey("t1/")))

	it, err := tbl.Find(nil)
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 1, count)
}

func TestAppendOnlyTable(t *testing.T) {
	db := newTestDB(t)
	tbl, err := db.CreateTable("audit", coldoc.TableOptions{AppendOnly: true})
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(sampleDoc("row1")))

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("owner", coldoc.String("x")))
	require.True(t, errors.Is(err, errors.ErrInvalidOperation), "update on append-only = %v", err)

	err = tbl.Delete(coldoc.String("row1"))
	require.True(t, errors.Is(err, errors.ErrInvalidOperation), "delete on append-only = %v", err)
}

func TestTableOnBolt(t *testing.T) {
	db := newBoltTestDB(t)
	tbl, err := db.CreateTable("shops", coldoc.TableOptions{})
	require.NoError(t, err)

	doc := sampleDoc("row1")
	require.NoError(t, tbl.Insert(doc))
	require.True(t, errors.Is(tbl.Insert(doc), errors.ErrAlreadyExists))

	got, err := tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	require.True(t, got.Equal(doc))

	err = tbl.Update(coldoc.NewDocument().
		SetField("_id", coldoc.String("row1")).
		SetField("$inc", coldoc.Object(coldoc.NewDocument().SetField("store.books", coldoc.Int64(5)))))
	require.NoError(t, err)

	got, err = tbl.Get(coldoc.String("row1"))
	require.NoError(t, err)
	v, _ := got.Get("store.books")
	n, _ := v.AsInt64()
	assert.EqualValues(t, 15, n)

	it, err := tbl.Find(coldoc.NewDocument().SetField("owner", coldoc.String("Rich")))
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	require.NoError(t, it.Err())
}
