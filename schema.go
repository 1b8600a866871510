package coldoc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/coldocdb/coldoc/errors"
)

// TableOptions is the per-table configuration fixed at creation time.
// Locality and AppendOnly are persisted in the table's metadata record;
// Indexes are code-level configuration and must be supplied again when the
// table is reopened.
type TableOptions struct {
	// Locality routes top-level fields to column families. The zero value
	// stores everything in DefaultFamily.
	Locality LocalityMap

	// AppendOnly forbids Update and Delete on the table's documents.
	AppendOnly bool

	// KeyPrefix is prepended to every document row key, so several tables
	// (or tenants) can share one store table.
	KeyPrefix []byte

	// Indexes to maintain over the table's documents.
	Indexes []*IndexDef
}

const metadataFormatVersion = 1

// tableMetadata is the persisted per-table record, one msgpack blob per
// table in the catalog. Written on creation, read on open.
type tableMetadata struct {
	FormatVersion int         `msgpack:"v"`
	Families      []string    `msgpack:"families"`
	Locality      LocalityMap `msgpack:"locality"`
	AppendOnly    bool        `msgpack:"append_only,omitempty"`
	KeyPrefix     []byte      `msgpack:"key_prefix,omitempty"`
}

func (m *tableMetadata) encode() ([]byte, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding table metadata")
	}
	return raw, nil
}

func decodeTableMetadata(raw []byte) (*tableMetadata, error) {
	var m tableMetadata
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, dataErrf(raw, 0, err, "decoding table metadata")
	}
	if m.FormatVersion > metadataFormatVersion {
		return nil, dataErrf(raw, 0, nil, "table metadata format %d is newer than this build supports (%d)", m.FormatVersion, metadataFormatVersion)
	}
	return &m, nil
}
