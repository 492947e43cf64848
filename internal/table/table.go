// Package table encodes and decodes the pipeline's columnar tables. Silver,
// gold and feature tables are parquet files; each carries string key/value
// metadata describing how complete the source day was.
package table

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/spaolacci/murmur3"
)

// Metadata keys written into table footers.
const (
	MetaDay             = "ghlake.day"
	MetaHoursOK         = "ghlake.hours_ok"
	MetaHoursTotal      = "ghlake.hours_total"
	MetaHourRatio       = "ghlake.hour_success_ratio"
	MetaFailedHours     = "ghlake.failed_hours"
	MetaLayer           = "ghlake.layer"
	MetaFeatureBaseDays = "ghlake.feature_history_days"
)

// Metadata is the key/value footer of a table.
type Metadata map[string]string

// Encode writes rows as a snappy-compressed parquet file. Metadata keys are
// written in sorted order so identical input yields identical bytes.
func Encode[T any](rows []T, meta Metadata) ([]byte, error) {
	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("ghlake", "1", ""),
	}
	for _, k := range meta.keys() {
		opts = append(opts, parquet.KeyValueMetadata(k, meta[k]))
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, opts...); err != nil {
		return nil, fmt.Errorf("table: failed to encode %d rows: %w", len(rows), err)
	}
	return buf.Bytes(), nil
}

// Decode reads every row of a parquet file along with its footer metadata.
func Decode[T any](data []byte) ([]T, Metadata, error) {
	r := bytes.NewReader(data)
	f, err := parquet.OpenFile(r, int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("table: failed to open parquet file: %w", err)
	}

	meta := make(Metadata)
	for _, kv := range f.Metadata().KeyValueMetadata {
		meta[kv.Key] = kv.Value
	}

	rows, err := parquet.Read[T](r, int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("table: failed to read rows: %w", err)
	}
	return rows, meta, nil
}

// ReadMetadata returns only the footer metadata of a parquet file.
func ReadMetadata(data []byte) (Metadata, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("table: failed to open parquet file: %w", err)
	}
	meta := make(Metadata, len(f.Metadata().KeyValueMetadata))
	for _, kv := range f.Metadata().KeyValueMetadata {
		meta[kv.Key] = kv.Value
	}
	return meta, nil
}

// Fingerprint is a 128-bit murmur3 digest of an encoded table, hex encoded.
// Two runs over the same input produce the same fingerprint.
func Fingerprint(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(h1 >> (56 - 8*i))
		b[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

func (m Metadata) keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of m.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
