package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/calimero-network/core/internal/storage"
)

func init() {
	RegisterDecoder(storage.KindRecord, func(b []byte) (Mergeable, error) { return DecodeRecord(b) })
}

// recordField is one named field of a Record, tagged with its own
// StorageKind so the field can be merged with the right algorithm
// independent of its sibling fields (spec §3 StorageKind.Record: "a
// fixed-shape composite whose fields merge independently by their own
// declared kind").
type recordField struct {
	kind    storage.StorageKind
	payload []byte
}

// Record is a fixed-shape composite of independently-merged fields.
type Record struct {
	fields map[string]recordField
}

// NewRecord returns an empty record.
func NewRecord() *Record { return &Record{fields: map[string]recordField{}} }

// SetField stores value (already encoded via its own Mergeable.Encode) under
// name, tagged with kind.
func (r *Record) SetField(name string, kind storage.StorageKind, payload []byte) {
	r.fields[name] = recordField{kind: kind, payload: payload}
}

// Field returns the raw kind and payload stored under name.
func (r *Record) Field(name string) (storage.StorageKind, []byte, bool) {
	f, ok := r.fields[name]
	return f.kind, f.payload, ok
}

// FieldNames lists every field present, sorted.
func (r *Record) FieldNames() []string {
	out := make([]string, 0, len(r.fields))
	for k := range r.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Record) Kind() storage.StorageKind { return storage.KindRecord }

func (r *Record) Encode() []byte {
	names := r.FieldNames()
	out := appendUint64(nil, uint64(len(names)))
	for _, name := range names {
		f := r.fields[name]
		out = appendUint64(out, uint64(len(name)))
		out = append(out, name...)
		out = append(out, byte(f.kind))
		out = appendUint64(out, uint64(len(f.payload)))
		out = append(out, f.payload...)
	}
	return out
}

// DecodeRecord parses bytes produced by Encode.
func DecodeRecord(b []byte) (*Record, error) {
	r := NewRecord()
	if len(b) < 8 {
		return nil, fmt.Errorf("crdt: record too short")
	}
	n := binary.BigEndian.Uint64(b[0:8])
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+8 > len(b) {
			return nil, fmt.Errorf("crdt: record truncated")
		}
		nlen := int(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		if off+nlen+1+8 > len(b) {
			return nil, fmt.Errorf("crdt: record truncated")
		}
		name := string(b[off : off+nlen])
		off += nlen
		kind := storage.StorageKind(b[off])
		off++
		plen := int(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		if off+plen > len(b) {
			return nil, fmt.Errorf("crdt: record truncated")
		}
		payload := append([]byte(nil), b[off:off+plen]...)
		off += plen
		r.fields[name] = recordField{kind: kind, payload: payload}
	}
	return r, nil
}

// Merge dispatches each field to its own kind's Mergeable implementation.
// A field present on only one side carries through unchanged; a field
// present on both but tagged with different kinds is a schema violation.
func (r *Record) Merge(remote Mergeable) (Mergeable, error) {
	o, ok := remote.(*Record)
	if !ok {
		return nil, fmt.Errorf("crdt: record merge type mismatch: %T", remote)
	}
	merged := NewRecord()
	names := map[string]struct{}{}
	for n := range r.fields {
		names[n] = struct{}{}
	}
	for n := range o.fields {
		names[n] = struct{}{}
	}
	for name := range names {
		lf, lok := r.fields[name]
		rf, rok := o.fields[name]
		switch {
		case lok && rok:
			if lf.kind != rf.kind {
				return nil, fmt.Errorf("crdt: record field %q kind mismatch: %d vs %d", name, lf.kind, rf.kind)
			}
			mergedPayload, err := MergeEntities(lf.kind, lf.payload, rf.payload)
			if err != nil {
				return nil, fmt.Errorf("crdt: record field %q: %w", name, err)
			}
			merged.fields[name] = recordField{kind: lf.kind, payload: mergedPayload}
		case lok:
			merged.fields[name] = lf
		case rok:
			merged.fields[name] = rf
		}
	}
	return merged, nil
}

func (r *Record) Decomposable() bool { return false }
