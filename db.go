package coldoc

import (
	"log/slog"

	"github.com/coldocdb/coldoc/errors"
)

// CatalogTable is the reserved store table that holds one metadata record
// per document table. Document tables cannot use this name.
const CatalogTable = "__catalog__"

const (
	// DefaultMetaFamily holds catalog metadata records.
	DefaultMetaFamily = "m"

	// DefaultIndexTableSuffix names each table's sibling index table.
	DefaultIndexTableSuffix = "_idx"
)

var metaQualifier = ByteKey("meta")

// Options configures a Database. The zero value is usable.
type Options struct {
	// Logger receives debug-level operation logging. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// MetaFamily is the catalog's column family, DefaultMetaFamily when
	// empty.
	MetaFamily string

	// IndexTableSuffix names index tables, DefaultIndexTableSuffix when
	// empty.
	IndexTableSuffix string
}

func (opt *Options) metaFamily() string {
	if opt.MetaFamily != "" {
		return opt.MetaFamily
	}
	return DefaultMetaFamily
}

func (opt *Options) indexTableSuffix() string {
	if opt.IndexTableSuffix != "" {
		return opt.IndexTableSuffix
	}
	return DefaultIndexTableSuffix
}

// Database is a document layer over one backend connection. It holds no
// mutable state beyond configuration; a Database is safe for concurrent
// use to the extent the backend is.
type Database struct {
	conn Conn
	opt  Options
	log  *slog.Logger
}

// Open wraps a backend connection. When the connection supports table
// administration, the catalog table is created on the spot; otherwise the
// catalog must already exist.
func Open(conn Conn, opt Options) (*Database, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	db := &Database{conn: conn, opt: opt, log: opt.Logger}
	if admin, ok := conn.(Admin); ok {
		if err := admin.CreateTable(CatalogTable, opt.metaFamily()); err != nil {
			return nil, errors.WithMessage(err, "preparing catalog")
		}
	}
	return db, nil
}

func (db *Database) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying backend connection, for code that needs
// backend-specific capabilities.
func (db *Database) Conn() Conn {
	return db.conn
}

func (db *Database) catalog() (Store, error) {
	cat, err := db.conn.Table(CatalogTable)
	if err != nil {
		return nil, errors.WithMessage(err, "opening catalog")
	}
	return cat, nil
}

func (db *Database) readMetadata(name string) (*tableMetadata, error) {
	cat, err := db.catalog()
	if err != nil {
		return nil, err
	}
	row, err := cat.Get(ByteKey(name), []string{db.opt.metaFamily()}, metaQualifier)
	if err != nil {
		return nil, err
	}
	if row.IsEmpty() {
		return nil, errors.Newf(errors.ErrNotFound, "table %s does not exist", name)
	}
	col, ok := row.Column(db.opt.metaFamily(), metaQualifier)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "table %s does not exist", name)
	}
	return decodeTableMetadata(col.Value)
}

func checkTableName(name string) error {
	if name == "" {
		return errors.New(errors.ErrInvalidOperation, "empty table name")
	}
	if name == CatalogTable {
		return errors.Newf(errors.ErrInvalidOperation, "table name %s is reserved", name)
	}
	return nil
}

// CreateTable creates the base store table (and the index table when opt
// names indexes), persists the metadata record, and returns an open
// handle. Requires the connection's Admin capability. Fails with
// ErrAlreadyExists when the table is already cataloged.
func (db *Database) CreateTable(name string, opt TableOptions) (*Table, error) {
	if err := checkTableName(name); err != nil {
		return nil, err
	}
	admin, err := connAdmin(db.conn)
	if err != nil {
		return nil, err
	}
	cat, err := db.catalog()
	if err != nil {
		return nil, err
	}

	meta := &tableMetadata{
		FormatVersion: metadataFormatVersion,
		Families:      opt.Locality.Families(),
		Locality:      opt.Locality,
		AppendOnly:    opt.AppendOnly,
		KeyPrefix:     opt.KeyPrefix,
	}
	raw, err := meta.encode()
	if err != nil {
		return nil, err
	}

	if err := admin.CreateTable(name, meta.Families...); err != nil {
		return nil, errors.WithMessagef(err, "creating table %s", name)
	}
	if len(opt.Indexes) > 0 {
		if err := admin.CreateTable(name+db.opt.indexTableSuffix(), IndexFamily); err != nil {
			return nil, errors.WithMessagef(err, "creating index table for %s", name)
		}
	}

	metaRow := &Row{Key: ByteKey(name)}
	metaRow.AddColumn(db.opt.metaFamily(), Column{Qualifier: metaQualifier, Value: raw})
	ok, err := cat.CheckAndPut(ByteKey(name), db.opt.metaFamily(), metaQualifier, nil, metaRow)
	if err != nil {
		return nil, errors.WithMessagef(err, "cataloging table %s", name)
	}
	if !ok {
		return nil, errors.Newf(errors.ErrAlreadyExists, "table %s already exists", name)
	}

	db.log.Debug("table created", "table", name, "families", meta.Families, "indexes", len(opt.Indexes))
	return db.openTable(name, meta, opt.Indexes)
}

// OpenTable reads the table's metadata record and returns a handle. Index
// definitions are code-level configuration and are supplied by the caller;
// they must match the definitions the table was populated with.
func (db *Database) OpenTable(name string, indexes ...*IndexDef) (*Table, error) {
	if err := checkTableName(name); err != nil {
		return nil, err
	}
	meta, err := db.readMetadata(name)
	if err != nil {
		return nil, err
	}
	return db.openTable(name, meta, indexes)
}

func (db *Database) openTable(name string, meta *tableMetadata, indexes []*IndexDef) (*Table, error) {
	for _, def := range indexes {
		if err := def.resolve(meta.Locality); err != nil {
			return nil, err
		}
	}
	store, err := db.conn.Table(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening table %s", name)
	}
	t := &Table{
		db:      db,
		name:    name,
		meta:    meta,
		codec:   Codec{Locality: meta.Locality},
		indexes: indexes,
		store:   store,
		log:     db.log.With("table", name),
	}
	if len(indexes) > 0 {
		t.idxStore, err = db.conn.Table(name + db.opt.indexTableSuffix())
		if err != nil {
			return nil, errors.WithMessagef(err, "opening index table for %s", name)
		}
	}
	return t, nil
}

// DropTable removes the base and index store tables and the metadata
// record. Requires the Admin capability.
func (db *Database) DropTable(name string) error {
	if err := checkTableName(name); err != nil {
		return err
	}
	admin, err := connAdmin(db.conn)
	if err != nil {
		return err
	}
	if _, err := db.readMetadata(name); err != nil {
		return err
	}
	if err := admin.DropTable(name); err != nil && !errors.Is(err, errors.ErrNotFound) {
		return errors.WithMessagef(err, "dropping table %s", name)
	}
	idxName := name + db.opt.indexTableSuffix()
	if err := admin.DropTable(idxName); err != nil && !errors.Is(err, errors.ErrNotFound) {
		return errors.WithMessagef(err, "dropping index table %s", idxName)
	}
	cat, err := db.catalog()
	if err != nil {
		return err
	}
	if err := cat.Delete(ByteKey(name)); err != nil {
		return errors.WithMessagef(err, "uncataloging table %s", name)
	}
	db.log.Debug("table dropped", "table", name)
	return nil
}

// TableNames lists the cataloged tables in name order.
func (db *Database) TableNames() ([]string, error) {
	cat, err := db.catalog()
	if err != nil {
		return nil, err
	}
	it, err := cat.Scan(ByteKey{}, KeyAfterAll, db.opt.metaFamily())
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var names []string
	for it.Next() {
		names = append(names, string(it.Row().Key))
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
