package storage

import (
	"encoding/binary"
	"errors"
)

// bytesBuffer/bytesReader give the entities and child_index columns a
// compact, dependency-free binary layout. These are internal record
// formats private to this package (unlike the wire formats of spec §6.3),
// so stdlib encoding is the right tool rather than a general serializer.
type bytesBuffer struct {
	b []byte
}

func (w *bytesBuffer) putByte(v byte) { w.b = append(w.b, v) }

func (w *bytesBuffer) putUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *bytesBuffer) put32(v [32]byte) {
	w.b = append(w.b, v[:]...)
}

func (w *bytesBuffer) putBytes(v []byte) {
	w.putUint64(uint64(len(v)))
	w.b = append(w.b, v...)
}

func (w *bytesBuffer) putString(v string) {
	w.putBytes([]byte(v))
}

type bytesReader struct {
	b   []byte
	off int
	err error
}

func (r *bytesReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.err = errors.New("unexpected end of record")
		return false
	}
	return true
}

func (r *bytesReader) byte_() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *bytesReader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off : r.off+8])
	r.off += 8
	return v
}

func (r *bytesReader) arr32() [32]byte {
	var out [32]byte
	if !r.need(32) {
		return out
	}
	copy(out[:], r.b[r.off:r.off+32])
	r.off += 32
	return out
}

func (r *bytesReader) bytes_() []byte {
	n := r.uint64()
	if r.err != nil {
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	out := append([]byte(nil), r.b[r.off:r.off+int(n)]...)
	r.off += int(n)
	return out
}

func (r *bytesReader) string_() string {
	return string(r.bytes_())
}
