package coldoc

import (
	"bytes"
	"testing"

	"github.com/coldocdb/coldoc/errors"
)

func encodedFamilies(t *testing.T, doc *Document) []Family {
	t.Helper()
	codec := &Codec{}
	fams, err := codec.Encode(doc, 5)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return fams
}

func TestSimpleIndexEntry(t *testing.T) {
	def := &IndexDef{Name: "byOwner", Columns: []IndexColumn{{Path: "owner"}}}
	if err := def.resolve(LocalityMap{}); err != nil {
		t.Fatal(err)
	}
	baseKey := ByteKey("row1")
	fams := encodedFamilies(t, NewDocument().SetField("owner", String("Rich")))

	e, err := def.DeriveEntry(baseKey, fams)
	if err != nil {
		t.Fatalf("DeriveEntry failed: %v", err)
	}
	valueBytes := mustEncodeScalar(t, String("Rich"))
	wantKey := append(append(ByteKey("byOwner\x00"), valueBytes...), baseKey...)
	if !e.RowKey.Equal(wantKey) {
		t.Fatalf("index row key = %x, wanted %x", e.RowKey, wantKey)
	}
	if !e.Qualifier.Equal(baseKey) || len(e.Value) != 0 {
		t.Fatalf("non-unique cell = (%q, %x), wanted (base key, empty)", e.Qualifier, e.Value)
	}
	if e.Timestamp != 5 {
		t.Fatalf("timestamp = %d, wanted 5 (max of source columns)", e.Timestamp)
	}
}

func TestSimpleIndexEntryUnique(t *testing.T) {
	def := &IndexDef{Name: "byOwner", Columns: []IndexColumn{{Path: "owner"}}, Unique: true}
	if err := def.resolve(LocalityMap{}); err != nil {
		t.Fatal(err)
	}
	baseKey := ByteKey("row1")
	fams := encodedFamilies(t, NewDocument().SetField("owner", String("Rich")))

	e, err := def.DeriveEntry(baseKey, fams)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Qualifier.Equal(UniqueMarker) || !bytes.Equal(e.Value, baseKey) {
		t.Fatalf("unique cell = (%q, %x), wanted (marker, base key)", e.Qualifier, e.Value)
	}
}

func TestSimpleIndexDescendingOrder(t *testing.T) {
	def := &IndexDef{Name: "byAge", Columns: []IndexColumn{{Path: "age", Order: Descending}}}
	if err := def.resolve(LocalityMap{}); err != nil {
		t.Fatal(err)
	}

	entryFor := func(age int64) IndexEntry {
		fams := encodedFamilies(t, NewDocument().SetField("age", Int64(age)))
		e, err := def.DeriveEntry(ByteKey("r"), fams)
		if err != nil {
			t.Fatal(err)
		}
		return e
	}
	young, old := entryFor(10), entryFor(90)
	if Compare(old.RowKey, young.RowKey) >= 0 {
		t.Fatalf("descending index: key(90) = %x should sort before key(10) = %x", old.RowKey, young.RowKey)
	}
}

func TestSimpleIndexMissingField(t *testing.T) {
	def := &IndexDef{Name: "byOwner", Columns: []IndexColumn{{Path: "owner"}}}
	if err := def.resolve(LocalityMap{}); err != nil {
		t.Fatal(err)
	}
	baseKey := ByteKey("row1")
	e, err := def.DeriveEntry(baseKey, encodedFamilies(t, NewDocument().SetField("other", Int64(1))))
	if err != nil {
		t.Fatal(err)
	}
	wantKey := append(ByteKey("byOwner\x00"), baseKey...) // empty value bytes
	if !e.RowKey.Equal(wantKey) {
		t.Fatalf("missing field key = %x, wanted %x", e.RowKey, wantKey)
	}
	if e.Timestamp != 0 {
		t.Fatalf("timestamp = %d, wanted 0 for a missing field", e.Timestamp)
	}
}

func compositeDef(t *testing.T) *IndexDef {
	t.Helper()
	def := &IndexDef{Name: "byOwnerAge", Columns: []IndexColumn{
		{Path: "owner"},
		{Path: "age", Order: Descending},
	}}
	if err := def.resolve(LocalityMap{}); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestCompositeIndexSplit(t *testing.T) {
	def := compositeDef(t)
	fams := encodedFamilies(t, NewDocument().
		SetField("owner", String("Rich")).
		SetField("age", Int64(41)))

	e, err := def.DeriveEntry(ByteKey("row1"), fams)
	if err != nil {
		t.Fatal(err)
	}
	comps, err := def.splitKey(e.RowKey)
	if err != nil {
		t.Fatalf("splitKey failed: %v", err)
	}
	if len(comps) != 2 {
		t.Fatalf("splitKey returned %d components, wanted 2", len(comps))
	}
	if !bytes.Equal(comps[0], mustEncodeScalar(t, String("Rich"))) {
		t.Fatalf("component 0 = %x, wanted encoded owner", comps[0])
	}
	if !bytes.Equal(comps[1], mustEncodeScalar(t, Int64(41))) {
		t.Fatalf("component 1 = %x, wanted un-complemented encoded age", comps[1])
	}
}

func TestCompositeIndexMissingComponent(t *testing.T) {
	def := compositeDef(t)
	fams := encodedFamilies(t, NewDocument().SetField("owner", String("Rich")))
	e, err := def.DeriveEntry(ByteKey("row1"), fams)
	if err != nil {
		t.Fatal(err)
	}
	comps, err := def.splitKey(e.RowKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps[1]) != 0 {
		t.Fatalf("missing component = %x, wanted empty byte string", comps[1])
	}
}

func TestCompositeIndexDeterminism(t *testing.T) {
	// Two base rows with identical indexed values share one index row key
	// and become two distinct cells.
	def := compositeDef(t)
	fams := encodedFamilies(t, NewDocument().
		SetField("owner", String("Rich")).
		SetField("age", Int64(41)))

	e1, err := def.DeriveEntry(ByteKey("row1"), fams)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := def.DeriveEntry(ByteKey("row2"), fams)
	if err != nil {
		t.Fatal(err)
	}
	if !e1.RowKey.Equal(e2.RowKey) {
		t.Fatalf("index row keys differ: %x vs %x", e1.RowKey, e2.RowKey)
	}
	if e1.Qualifier.Equal(e2.Qualifier) {
		t.Fatalf("cells are not distinct: both %q", e1.Qualifier)
	}
}

func TestCompositeIndexTooLarge(t *testing.T) {
	def := compositeDef(t)
	huge := make([]byte, maxIndexKeyLen)
	fams := encodedFamilies(t, NewDocument().
		SetField("owner", Binary(huge)).
		SetField("age", Int64(1)))
	_, err := def.DeriveEntry(ByteKey("row1"), fams)
	if !errors.Is(err, errors.ErrIndexKeyTooLarge) {
		t.Fatalf("DeriveEntry = %v, wanted IndexKeyTooLarge", err)
	}
}

func TestCompositeIndexSizeBoundary(t *testing.T) {
	// The component bytes plus the length suffix must stay strictly under
	// the working buffer; a payload landing exactly on it fails.
	def := compositeDef(t)
	entryFor := func(n int) (IndexEntry, error) {
		fams := encodedFamilies(t, NewDocument().
			SetField("owner", Binary(make([]byte, n))).
			SetField("age", Int64(1)))
		return def.DeriveEntry(ByteKey("row1"), fams)
	}
	overhead := 2 + 10 + 8 // owner tag, encoded age, two length-suffix words
	if _, err := entryFor(maxIndexKeyLen - overhead); !errors.Is(err, errors.ErrIndexKeyTooLarge) {
		t.Fatalf("DeriveEntry at the buffer boundary = %v, wanted IndexKeyTooLarge", err)
	}
	e, err := entryFor(maxIndexKeyLen - overhead - 1)
	if err != nil {
		t.Fatalf("DeriveEntry one byte under the boundary failed: %v", err)
	}
	if len(e.RowKey) == 0 {
		t.Fatalf("no row key for an in-budget entry")
	}
}

func TestIndexDefResolve(t *testing.T) {
	loc := LocalityMap{Fields: map[string]string{"a": "fa", "b": "fb"}}

	def := &IndexDef{Name: "byA", Columns: []IndexColumn{{Path: "a.x"}, {Path: "a.y"}}}
	if err := def.resolve(loc); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if def.Family != "fa" {
		t.Fatalf("resolved family = %q, wanted fa", def.Family)
	}

	bad := &IndexDef{Name: "cross", Columns: []IndexColumn{{Path: "a"}, {Path: "b"}}}
	if err := bad.resolve(loc); !errors.Is(err, errors.ErrInvalidOperation) {
		t.Fatalf("cross-family resolve = %v, wanted InvalidOperation", err)
	}

	unnamed := &IndexDef{Columns: []IndexColumn{{Path: "a"}}}
	if err := unnamed.resolve(loc); !errors.Is(err, errors.ErrInvalidOperation) {
		t.Fatalf("unnamed resolve = %v, wanted InvalidOperation", err)
	}
}
