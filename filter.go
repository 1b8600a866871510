package coldoc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/coldocdb/coldoc/errors"
)

// Filter is a node of the native filter-expression tree handed to stores
// that support server-side filtering. Matches is the reference evaluation
// over a row's fetched columns; backends are free to push the tree down
// instead of calling it.
type Filter interface {
	Matches(r *Row) bool
}

// CompareOp is the comparison operator of a Cmp filter.
type CompareOp uint8

const (
	CmpEQ CompareOp = iota
	CmpNE
	CmpGT
	CmpGE
	CmpLT
	CmpLE
)

var compareOpNames = [...]string{"==", "!=", ">", ">=", "<", "<="}

func (op CompareOp) String() string {
	if int(op) < len(compareOpNames) {
		return compareOpNames[op]
	}
	return fmt.Sprintf("CompareOp(%d)", uint8(op))
}

// And matches rows that every sub-filter matches.
type And struct {
	Subs []Filter
}

func (f *And) Matches(r *Row) bool {
	for _, sub := range f.Subs {
		if !sub.Matches(r) {
			return false
		}
	}
	return true
}

func (f *And) String() string { return joinFilters(f.Subs, " AND ") }

// Or matches rows that at least one sub-filter matches.
type Or struct {
	Subs []Filter
}

func (f *Or) Matches(r *Row) bool {
	for _, sub := range f.Subs {
		if sub.Matches(r) {
			return true
		}
	}
	return false
}

func (f *Or) String() string { return joinFilters(f.Subs, " OR ") }

func joinFilters(subs []Filter, sep string) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, sub := range subs {
		if i > 0 {
			sb.WriteString(sep)
		}
		fmt.Fprintf(&sb, "%v", sub)
	}
	sb.WriteByte(')')
	return sb.String()
}

// Cmp compares one column's stored bytes against a constant. The constant
// carries the same type-tagged encoding as stored values, so plain byte
// comparison agrees with value order. FilterIfMissing excludes rows that
// lack the column; the translator always sets it.
type Cmp struct {
	Op              CompareOp
	Family          string
	Qualifier       ByteKey
	Value           []byte
	FilterIfMissing bool
}

func (f *Cmp) Matches(r *Row) bool {
	col, ok := r.Column(f.Family, f.Qualifier)
	if !ok {
		return !f.FilterIfMissing
	}
	c := bytes.Compare(col.Value, f.Value)
	switch f.Op {
	case CmpEQ:
		return c == 0
	case CmpNE:
		return c != 0
	case CmpGT:
		return c > 0
	case CmpGE:
		return c >= 0
	case CmpLT:
		return c < 0
	case CmpLE:
		return c <= 0
	}
	return false
}

func (f *Cmp) String() string {
	return fmt.Sprintf("%s:%s %v %x", f.Family, string(f.Qualifier), f.Op, f.Value)
}

var compareOps = map[string]CompareOp{
	"$eq":  CmpEQ,
	"$ne":  CmpNE,
	"$gt":  CmpGT,
	"$ge":  CmpGE,
	"$gte": CmpGE,
	"$lt":  CmpLT,
	"$le":  CmpLE,
	"$lte": CmpLE,
}

// TranslatePredicate converts a declarative predicate document into the
// native filter tree. Fields of the predicate AND together; "$and" and
// "$or" take arrays of sub-predicates; a bare field value means equality;
// an operator object ({"$gt": v, ...}) applies each operator to the
// field. Single-element compositions collapse to their element; an empty
// array or an empty predicate fails with ErrEmptyPredicate.
func (c *Codec) TranslatePredicate(pred *Document) (Filter, error) {
	if pred.Len() == 0 {
		return nil, errors.New(errors.ErrEmptyPredicate, "empty predicate")
	}
	subs := make([]Filter, 0, pred.Len())
	for _, name := range pred.Names() {
		v, _ := pred.Field(name)
		var f Filter
		var err error
		switch {
		case name == "$and" || name == "$or":
			f, err = c.translateComposition(name, v)
		case strings.HasPrefix(name, "$"):
			return nil, errors.Newf(errors.ErrInvalidOperation, "unsupported operator %s", name)
		default:
			f, err = c.translateField(name, v)
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, f)
	}
	return collapseAnd(subs), nil
}

func collapseAnd(subs []Filter) Filter {
	if len(subs) == 1 {
		return subs[0]
	}
	return &And{Subs: subs}
}

func (c *Codec) translateComposition(op string, v Value) (Filter, error) {
	if v.Kind() != KindArray {
		return nil, errors.Newf(errors.ErrInvalidOperation, "%s needs an array of sub-predicates, got %v", op, v.Kind())
	}
	arr := v.Array()
	if len(arr) == 0 {
		return nil, errors.Newf(errors.ErrEmptyPredicate, "%s has no sub-predicates", op)
	}
	subs := make([]Filter, len(arr))
	for i, el := range arr {
		if el.Kind() != KindObject {
			return nil, errors.Newf(errors.ErrInvalidOperation, "%s element %d is %v, not a predicate", op, i, el.Kind())
		}
		f, err := c.TranslatePredicate(el.Object())
		if err != nil {
			return nil, err
		}
		subs[i] = f
	}
	if len(subs) == 1 {
		return subs[0], nil
	}
	if op == "$or" {
		return &Or{Subs: subs}, nil
	}
	return &And{Subs: subs}, nil
}

func (c *Codec) translateField(path string, v Value) (Filter, error) {
	if v.Kind() == KindObject && isOperatorObject(v.Object()) {
		ops := v.Object()
		subs := make([]Filter, 0, ops.Len())
		for _, op := range ops.Names() {
			cmpOp, ok := compareOps[op]
			if !ok {
				return nil, errors.Newf(errors.ErrInvalidOperation, "unsupported operator %s for field %s", op, path)
			}
			operand, _ := ops.Field(op)
			f, err := c.compareFilter(cmpOp, path, operand)
			if err != nil {
				return nil, err
			}
			subs = append(subs, f)
		}
		return collapseAnd(subs), nil
	}
	return c.compareFilter(CmpEQ, path, v)
}

func isOperatorObject(d *Document) bool {
	if d.Len() == 0 {
		return false
	}
	for _, name := range d.Names() {
		if !strings.HasPrefix(name, "$") {
			return false
		}
	}
	return true
}

func (c *Codec) compareFilter(op CompareOp, path string, operand Value) (Filter, error) {
	raw, err := EncodeScalar(operand)
	if err != nil {
		return nil, err
	}
	return &Cmp{
		Op:              op,
		Family:          c.Locality.FamilyOf(topLevelSegment(path)),
		Qualifier:       ByteKey(path),
		Value:           raw,
		FilterIfMissing: true,
	}, nil
}
