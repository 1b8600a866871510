// Package boltstore is a wide-column backend persisted in a bbolt file.
// Each store table is a root bucket; each column family is a nested
// bucket keyed by row key, holding the row's columns for that family as
// one msgpack blob. Row mutations are read-modify-write inside a single
// bolt write transaction, which provides the per-row atomicity the
// contract requires.
//
// boltstore implements filter scans, counters, column ranges, append and
// table administration, but keeps no version history: rollback-dependent
// operations fail with UnsupportedCapability.
package boltstore

import (
	"bytes"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/coldocdb/coldoc"
	"github.com/coldocdb/coldoc/errors"
)

var (
	_ coldoc.Conn  = (*Conn)(nil)
	_ coldoc.Admin = (*Conn)(nil)

	_ coldoc.Store         = (*table)(nil)
	_ coldoc.FilterScanner = (*table)(nil)
	_ coldoc.CounterStore  = (*table)(nil)
	_ coldoc.ColumnRanger  = (*table)(nil)
	_ coldoc.Appender      = (*table)(nil)
)

// Options configures Open. The zero value is suitable for production use.
type Options struct {
	// IsTesting trades durability for speed (no fsync, small mmap).
	IsTesting bool
}

// Conn is a bbolt-backed connection. It supports table administration.
type Conn struct {
	db *bbolt.DB
}

func Open(path string, opt Options) (*Conn, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	db, err := bbolt.Open(path, 0o666, &bopt)
	if err != nil {
		return nil, errors.Wrap(err, "boltstore: open")
	}
	return &Conn{db: db}, nil
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// Bolt exposes the underlying bbolt handle, for backups and inspection.
func (c *Conn) Bolt() *bbolt.DB {
	return c.db
}

func (c *Conn) Table(name string) (coldoc.Store, error) {
	exists, err := c.TableExists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Newf(errors.ErrNotFound, "boltstore: no table %s", name)
	}
	return &table{db: c.db, name: name}, nil
}

// CreateTable creates the table's root bucket and family buckets if they
// do not exist; on an existing table it adds any missing family buckets.
func (c *Conn) CreateTable(name string, families ...string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return errors.Wrapf(err, "boltstore: creating table %s", name)
		}
		for _, fam := range families {
			if _, err := root.CreateBucketIfNotExists([]byte(fam)); err != nil {
				return errors.Wrapf(err, "boltstore: creating family %s of table %s", fam, name)
			}
		}
		return nil
	})
}

func (c *Conn) DropTable(name string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if err == bbolt.ErrBucketNotFound {
			return errors.Newf(errors.ErrNotFound, "boltstore: no table %s", name)
		}
		return err
	})
}

func (c *Conn) TruncateTable(name string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(name))
		if root == nil {
			return errors.Newf(errors.ErrNotFound, "boltstore: no table %s", name)
		}
		var fams [][]byte
		err := root.ForEachBucket(func(k []byte) error {
			fams = append(fams, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, fam := range fams {
			if err := root.DeleteBucket(fam); err != nil {
				return err
			}
			if _, err := root.CreateBucket(fam); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Conn) TableExists(name string) (bool, error) {
	var exists bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

// columnRec is the persisted form of one column inside a family blob.
type columnRec struct {
	Q []byte `msgpack:"q"`
	V []byte `msgpack:"v"`
	T int64  `msgpack:"t"`
}

func decodeFamilyBlob(raw []byte) ([]columnRec, error) {
	if raw == nil {
		return nil, nil
	}
	var recs []columnRec
	if err := msgpack.Unmarshal(raw, &recs); err != nil {
		return nil, errors.Wrap(err, "boltstore: decoding family blob")
	}
	return recs, nil
}

func storeFamilyBlob(b *bbolt.Bucket, rowKey []byte, recs []columnRec) error {
	if len(recs) == 0 {
		return b.Delete(rowKey)
	}
	raw, err := msgpack.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "boltstore: encoding family blob")
	}
	return b.Put(rowKey, raw)
}

func mergeColumns(recs []columnRec, cols []coldoc.Column, now int64) []columnRec {
	for _, c := range cols {
		ts := c.Timestamp
		if ts == 0 {
			ts = now
		}
		rec := columnRec{Q: append([]byte(nil), c.Qualifier...), V: append([]byte(nil), c.Value...), T: ts}
		replaced := false
		for i := range recs {
			if bytes.Equal(recs[i].Q, rec.Q) {
				recs[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return bytes.Compare(recs[i].Q, recs[j].Q) < 0 })
	return recs
}

func findColumn(recs []columnRec, q []byte) (columnRec, bool) {
	for _, rec := range recs {
		if bytes.Equal(rec.Q, q) {
			return rec, true
		}
	}
	return columnRec{}, false
}

type table struct {
	db   *bbolt.DB
	name string
}

func (t *table) root(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(t.name))
	if root == nil {
		return nil, errors.Newf(errors.ErrNotFound, "boltstore: no table %s", t.name)
	}
	return root, nil
}

func (t *table) famBucket(tx *bbolt.Tx, fam string) (*bbolt.Bucket, error) {
	root, err := t.root(tx)
	if err != nil {
		return nil, err
	}
	b := root.Bucket([]byte(fam))
	if b == nil {
		return nil, errors.Newf(errors.ErrNotFound, "boltstore: table %s has no family %s", t.name, fam)
	}
	return b, nil
}

// familyNames lists the table's family buckets, sorted (bolt keeps bucket
// keys ordered).
func (t *table) familyNames(tx *bbolt.Tx) ([]string, error) {
	root, err := t.root(tx)
	if err != nil {
		return nil, err
	}
	var fams []string
	err = root.ForEachBucket(func(k []byte) error {
		fams = append(fams, string(k))
		return nil
	})
	return fams, err
}

func (t *table) resolveFamilies(tx *bbolt.Tx, families []string) ([]string, error) {
	if len(families) > 0 {
		for _, fam := range families {
			if _, err := t.famBucket(tx, fam); err != nil {
				return nil, err
			}
		}
		return families, nil
	}
	return t.familyNames(tx)
}

func (t *table) readRow(tx *bbolt.Tx, key coldoc.ByteKey, families []string, qualifiers []coldoc.ByteKey) (*coldoc.Row, error) {
	fams, err := t.resolveFamilies(tx, families)
	if err != nil {
		return nil, err
	}
	out := &coldoc.Row{Key: key.Clone()}
	for _, fam := range fams {
		b, err := t.famBucket(tx, fam)
		if err != nil {
			return nil, err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if len(qualifiers) > 0 && !qualifierRequested(qualifiers, rec.Q) {
				continue
			}
			out.AddColumn(fam, coldoc.Column{
				Qualifier: append(coldoc.ByteKey(nil), rec.Q...),
				Value:     append([]byte(nil), rec.V...),
				Timestamp: rec.T,
			})
		}
	}
	if out.IsEmpty() {
		return nil, nil
	}
	return out, nil
}

func qualifierRequested(quals []coldoc.ByteKey, q []byte) bool {
	for _, qq := range quals {
		if bytes.Equal(qq, q) {
			return true
		}
	}
	return false
}

func (t *table) Get(key coldoc.ByteKey, families []string, qualifiers ...coldoc.ByteKey) (*coldoc.Row, error) {
	var row *coldoc.Row
	err := t.db.View(func(tx *bbolt.Tx) error {
		var err error
		row, err = t.readRow(tx, key, families, qualifiers)
		return err
	})
	return row, err
}

func (t *table) GetBatch(keys []coldoc.ByteKey, families []string) ([]*coldoc.Row, error) {
	out := make([]*coldoc.Row, len(keys))
	err := t.db.View(func(tx *bbolt.Tx) error {
		for i, key := range keys {
			row, err := t.readRow(tx, key, families, nil)
			if err != nil {
				return err
			}
			out[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) putRow(tx *bbolt.Tx, in *coldoc.Row, now int64) error {
	for i := range in.Families {
		fam := &in.Families[i]
		b, err := t.famBucket(tx, fam.Name)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(in.Key))
		if err != nil {
			return err
		}
		recs = mergeColumns(recs, fam.Columns, now)
		if err := storeFamilyBlob(b, in.Key, recs); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) Put(in *coldoc.Row) error {
	now := time.Now().UnixMilli()
	return t.db.Update(func(tx *bbolt.Tx) error {
		return t.putRow(tx, in, now)
	})
}

// PutBatch applies each row in its own transaction, so a failure partway
// reports exactly which rows took effect.
func (t *table) PutBatch(rows []*coldoc.Row) error {
	now := time.Now().UnixMilli()
	for i, in := range rows {
		err := t.db.Update(func(tx *bbolt.Tx) error {
			return t.putRow(tx, in, now)
		})
		if err != nil {
			return &coldoc.BatchError{FirstUnapplied: i, Err: err}
		}
	}
	return nil
}

func (t *table) Delete(key coldoc.ByteKey, families ...string) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		fams, err := t.resolveFamilies(tx, families)
		if err != nil {
			return err
		}
		for _, fam := range fams {
			b, err := t.famBucket(tx, fam)
			if err != nil {
				return err
			}
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *table) DeleteColumns(key coldoc.ByteKey, family string, qualifiers ...coldoc.ByteKey) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, family)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		kept := recs[:0]
		for _, rec := range recs {
			if !qualifierRequested(qualifiers, rec.Q) {
				kept = append(kept, rec)
			}
		}
		return storeFamilyBlob(b, key, kept)
	})
}

func (t *table) DeleteBatch(keys []coldoc.ByteKey) error {
	for i, key := range keys {
		if err := t.Delete(key); err != nil {
			return &coldoc.BatchError{FirstUnapplied: i, Err: err}
		}
	}
	return nil
}

func (t *table) CheckAndPut(key coldoc.ByteKey, checkFamily string, checkQualifier coldoc.ByteKey, expect []byte, put *coldoc.Row) (bool, error) {
	now := time.Now().UnixMilli()
	var ok bool
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, checkFamily)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		rec, exists := findColumn(recs, checkQualifier)
		if expect == nil {
			if exists {
				return nil
			}
		} else if !exists || !bytes.Equal(rec.V, expect) {
			return nil
		}
		ok = true
		return t.putRow(tx, put, now)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (t *table) AddCounter(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey, delta int64) (int64, error) {
	var result int64
	now := time.Now().UnixMilli()
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, family)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		var current []byte
		if rec, ok := findColumn(recs, qualifier); ok {
			current = rec.V
		}
		n, err := coldoc.DecodeCounter(current)
		if err != nil {
			return err
		}
		result = n + delta
		recs = mergeColumns(recs, []coldoc.Column{{
			Qualifier: qualifier,
			Value:     coldoc.EncodeCounter(result),
			Timestamp: now,
		}}, now)
		return storeFamilyBlob(b, key, recs)
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (t *table) GetCounter(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey) (int64, error) {
	var result int64
	err := t.db.View(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, family)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		if rec, ok := findColumn(recs, qualifier); ok {
			result, err = coldoc.DecodeCounter(rec.V)
		}
		return err
	})
	return result, err
}

func (t *table) ScanColumns(key coldoc.ByteKey, family string, startQualifier, stopQualifier coldoc.ByteKey) ([]coldoc.Column, error) {
	var out []coldoc.Column
	err := t.db.View(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, family)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if bytes.Compare(rec.Q, startQualifier) < 0 {
				continue
			}
			if !stopQualifier.IsAfterAll() && bytes.Compare(rec.Q, stopQualifier) >= 0 {
				continue
			}
			out = append(out, coldoc.Column{
				Qualifier: append(coldoc.ByteKey(nil), rec.Q...),
				Value:     append([]byte(nil), rec.V...),
				Timestamp: rec.T,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table) Append(key coldoc.ByteKey, family string, qualifier coldoc.ByteKey, suffix []byte) (*coldoc.Column, error) {
	var out *coldoc.Column
	now := time.Now().UnixMilli()
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.famBucket(tx, family)
		if err != nil {
			return err
		}
		recs, err := decodeFamilyBlob(b.Get(key))
		if err != nil {
			return err
		}
		var current []byte
		if rec, ok := findColumn(recs, qualifier); ok {
			current = rec.V
		}
		merged := make([]byte, 0, len(current)+len(suffix))
		merged = append(merged, current...)
		merged = append(merged, suffix...)
		recs = mergeColumns(recs, []coldoc.Column{{Qualifier: qualifier, Value: merged, Timestamp: now}}, now)
		if err := storeFamilyBlob(b, key, recs); err != nil {
			return err
		}
		out = &coldoc.Column{Qualifier: qualifier.Clone(), Value: merged, Timestamp: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
