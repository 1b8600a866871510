package coldoc

import (
	"reflect"
	"testing"

	"github.com/coldocdb/coldoc/errors"
)

func translate(t *testing.T, pred *Document) Filter {
	t.Helper()
	codec := &Codec{}
	f, err := codec.TranslatePredicate(pred)
	if err != nil {
		t.Fatalf("TranslatePredicate(%v) failed: %v", pred, err)
	}
	return f
}

func TestTranslateBareEquality(t *testing.T) {
	f := translate(t, NewDocument().SetField("a", Int64(1)))
	cmp, ok := f.(*Cmp)
	if !ok {
		t.Fatalf("translated to %T, wanted *Cmp", f)
	}
	if cmp.Op != CmpEQ || cmp.Family != DefaultFamily || string(cmp.Qualifier) != "a" {
		t.Fatalf("cmp = %v, wanted ==/doc/a", cmp)
	}
	if !cmp.FilterIfMissing {
		t.Fatalf("FilterIfMissing = false, must always be true")
	}
	if want := mustEncodeScalar(t, Int64(1)); string(cmp.Value) != string(want) {
		t.Fatalf("operand bytes = %x, wanted the scalar encoding %x", cmp.Value, want)
	}
}

func TestTranslateSingleElementOrCollapses(t *testing.T) {
	sugar := translate(t, NewDocument().SetField("a", Int64(1)))
	wrapped := translate(t, NewDocument().SetField("$or", Array(
		Object(NewDocument().SetField("a", Object(NewDocument().SetField("$eq", Int64(1))))),
	)))
	if !reflect.DeepEqual(sugar, wrapped) {
		t.Fatalf("single-element $or = %v, wanted the collapsed %v", wrapped, sugar)
	}
}

func TestTranslateComposition(t *testing.T) {
	f := translate(t, NewDocument().SetField("$or", Array(
		Object(NewDocument().SetField("a", Int64(1))),
		Object(NewDocument().SetField("b", Int64(2))),
	)))
	or, ok := f.(*Or)
	if !ok || len(or.Subs) != 2 {
		t.Fatalf("translated to %v, wanted Or of 2", f)
	}

	f = translate(t, NewDocument().
		SetField("a", Int64(1)).
		SetField("b", Int64(2)))
	and, ok := f.(*And)
	if !ok || len(and.Subs) != 2 {
		t.Fatalf("multi-field predicate = %v, wanted And of 2", f)
	}
}

func TestTranslateOperators(t *testing.T) {
	ops := NewDocument().
		SetField("$gt", Int64(1)).
		SetField("$lte", Int64(9))
	f := translate(t, NewDocument().SetField("a", Object(ops)))
	and, ok := f.(*And)
	if !ok || len(and.Subs) != 2 {
		t.Fatalf("operator object = %v, wanted And of 2", f)
	}
	if op := and.Subs[0].(*Cmp).Op; op != CmpGT {
		t.Fatalf("first op = %v, wanted >", op)
	}
	if op := and.Subs[1].(*Cmp).Op; op != CmpLE {
		t.Fatalf("second op = %v, wanted <= ($lte alias)", op)
	}
}

func TestTranslateErrors(t *testing.T) {
	codec := &Codec{}
	tests := []struct {
		name string
		pred *Document
		code errors.Code
	}{
		{"empty predicate", NewDocument(), errors.ErrEmptyPredicate},
		{"empty $and", NewDocument().SetField("$and", Array()), errors.ErrEmptyPredicate},
		{"empty $or", NewDocument().SetField("$or", Array()), errors.ErrEmptyPredicate},
		{"unknown top operator", NewDocument().SetField("$nor", Array(Object(NewDocument().SetField("a", Int64(1))))), errors.ErrInvalidOperation},
		{"unknown field operator", NewDocument().SetField("a", Object(NewDocument().SetField("$regex", String("x")))), errors.ErrInvalidOperation},
		{"$and of scalars", NewDocument().SetField("$and", Array(Int64(1))), errors.ErrInvalidOperation},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := codec.TranslatePredicate(test.pred)
			if !errors.Is(err, test.code) {
				t.Fatalf("TranslatePredicate = %v, wanted %s", err, test.code)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	codec := &Codec{}
	encodeRow := func(doc *Document) *Row {
		fams, err := codec.Encode(doc, 0)
		if err != nil {
			t.Fatal(err)
		}
		return &Row{Key: ByteKey("r"), Families: fams}
	}
	rich := encodeRow(NewDocument().SetField("owner", String("Rich")).SetField("age", Int64(41)))
	carl := encodeRow(NewDocument().SetField("owner", String("Carl")).SetField("age", Int64(12)))
	anon := encodeRow(NewDocument().SetField("age", Int64(77)))

	tests := []struct {
		name string
		pred *Document
		want map[*Row]bool
	}{
		{
			"equality",
			NewDocument().SetField("owner", String("Rich")),
			map[*Row]bool{rich: true, carl: false, anon: false},
		},
		{
			"range",
			NewDocument().SetField("age", Object(NewDocument().SetField("$ge", Int64(13)))),
			map[*Row]bool{rich: true, carl: false, anon: true},
		},
		{
			"or",
			NewDocument().SetField("$or", Array(
				Object(NewDocument().SetField("owner", String("Carl"))),
				Object(NewDocument().SetField("age", Object(NewDocument().SetField("$gt", Int64(50))))),
			)),
			map[*Row]bool{rich: false, carl: true, anon: true},
		},
		{
			"missing column is excluded",
			NewDocument().SetField("owner", Object(NewDocument().SetField("$ne", String("Rich")))),
			map[*Row]bool{rich: false, carl: true, anon: false},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := translate(t, test.pred)
			for row, want := range test.want {
				if got := f.Matches(row); got != want {
					t.Errorf("Matches(%s) = %v, wanted %v", row.Key, got, want)
				}
			}
		})
	}
}

func TestNestedPathFilter(t *testing.T) {
	f := translate(t, NewDocument().SetField("store.books", Object(NewDocument().SetField("$lt", Int64(5)))))
	cmp := f.(*Cmp)
	if string(cmp.Qualifier) != "store.books" {
		t.Fatalf("qualifier = %q, wanted the full dotted path", cmp.Qualifier)
	}
}
