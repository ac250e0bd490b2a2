// Package blobstore implements the chunked, content-addressed immutable
// byte storage described in spec §4.1. Leaves are content-addressed files
// on disk; the chunk-tree metadata lives in the shared kvstore so the same
// durability guarantees apply to both.
package blobstore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/calimero-network/core/internal/ids"
	"github.com/calimero-network/core/internal/kvstore"
)

// ChunkSize is the fixed leaf chunk size (spec §4.1: "fixed 1 MiB chunks").
const ChunkSize = 1 << 20

// Meta mirrors the blob_meta column's value (spec §6.4).
type Meta struct {
	Size  uint64
	Hash  [32]byte
	Links []ids.BlobId // empty for a leaf, ordered child leaf ids for a root
}

// ErrDanglingLink is returned by Get when a root's link list references a
// leaf that is no longer present.
type ErrDanglingLink struct {
	Missing ids.BlobId
}

func (e *ErrDanglingLink) Error() string {
	return fmt.Sprintf("blobstore: dangling link to missing blob %s", e.Missing)
}

// ErrNotFound is returned when the requested blob id has no root metadata.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is the chunked blob store: leaf bytes live under chunksDir, keyed by
// BlobId; metadata for every blob (leaf and root alike) lives in kv.
type Store struct {
	kv        *kvstore.Store
	chunksDir string
}

// New constructs a Store. chunksDir is created if it does not yet exist.
func New(kv *kvstore.Store, chunksDir string) (*Store, error) {
	if err := os.MkdirAll(chunksDir, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", chunksDir, err)
	}
	return &Store{kv: kv, chunksDir: chunksDir}, nil
}

func (s *Store) chunkPath(id ids.BlobId) string {
	return filepath.Join(s.chunksDir, id.String())
}

func (s *Store) metaKey(id ids.BlobId) []byte {
	b := id
	return b[:]
}

// Has reports whether root metadata for id is present.
func (s *Store) Has(id ids.BlobId) (bool, error) {
	return s.kv.Has(kvstore.ColumnBlobMeta, s.metaKey(id))
}

// GetInfo returns the size and root hash for id.
func (s *Store) GetInfo(id ids.BlobId) (Meta, error) {
	raw, ok, err := s.kv.Get(kvstore.ColumnBlobMeta, s.metaKey(id))
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, ErrNotFound
	}
	return decodeMeta(raw)
}

// Put streams r in ChunkSize pieces, persisting each leaf and finally the
// root, writing the root last so readers never observe a partial blob
// (spec §4.1 atomicity contract).
func (s *Store) Put(r io.Reader) (ids.BlobId, error) {
	var (
		leafIDs []ids.BlobId
		total   uint64
		buf     = make([]byte, ChunkSize)
	)

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			digest := sha256.Sum256(chunk)
			leafID := ids.BlobIdFromDigest(digest)

			if err := s.writeChunkFile(leafID, chunk); err != nil {
				return ids.BlobId{}, err
			}
			meta := Meta{Size: uint64(n), Hash: digest}
			if err := s.putMeta(leafID, meta); err != nil {
				return ids.BlobId{}, err
			}
			leafIDs = append(leafIDs, leafID)
			total += uint64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return ids.BlobId{}, fmt.Errorf("blobstore: read: %w", readErr)
		}
	}

	if len(leafIDs) == 0 {
		// Empty input: a single empty leaf is still a valid blob.
		digest := sha256.Sum256(nil)
		leafID := ids.BlobIdFromDigest(digest)
		if err := s.writeChunkFile(leafID, nil); err != nil {
			return ids.BlobId{}, err
		}
		if err := s.putMeta(leafID, Meta{Size: 0, Hash: digest}); err != nil {
			return ids.BlobId{}, err
		}
		return leafID, nil
	}

	if len(leafIDs) == 1 {
		// A single chunk is its own root (spec §4.1).
		return leafIDs[0], nil
	}

	rootHash := hashLinks(leafIDs)
	rootID := ids.BlobIdFromDigest(rootHash)
	rootMeta := Meta{Size: total, Hash: rootHash, Links: leafIDs}
	if err := s.putMeta(rootID, rootMeta); err != nil {
		return ids.BlobId{}, err
	}
	return rootID, nil
}

// hashLinks computes the hash of the concatenation of leaf ids, used as the
// root blob id (spec §4.1).
func hashLinks(leaves []ids.BlobId) [32]byte {
	h := sha256.New()
	for _, l := range leaves {
		b := l
		h.Write(b[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Get returns a reader that streams a blob's bytes in order: a leaf yields
// its chunk directly, a root recursively streams each linked child.
func (s *Store) Get(id ids.BlobId) (io.ReadCloser, error) {
	meta, err := s.GetInfo(id)
	if err != nil {
		return nil, err
	}
	if len(meta.Links) == 0 {
		f, err := os.Open(s.chunkPath(id))
		if err != nil {
			return nil, fmt.Errorf("blobstore: open leaf %s: %w", id, err)
		}
		return f, nil
	}
	return &rootReader{store: s, links: meta.Links}, nil
}

// rootReader lazily opens each linked leaf in turn as it is consumed,
// tolerating concurrent writes elsewhere in the store because leaves are
// content-addressed and therefore never mutate in place.
type rootReader struct {
	store   *Store
	links   []ids.BlobId
	idx     int
	current io.ReadCloser
}

func (r *rootReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.links) {
				return 0, io.EOF
			}
			leaf := r.links[r.idx]
			f, err := os.Open(r.store.chunkPath(leaf))
			if err != nil {
				if os.IsNotExist(err) {
					return 0, &ErrDanglingLink{Missing: leaf}
				}
				return 0, fmt.Errorf("blobstore: open leaf %s: %w", leaf, err)
			}
			r.current = f
			r.idx++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *rootReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}

func (s *Store) writeChunkFile(id ids.BlobId, data []byte) error {
	path := s.chunkPath(id)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: an identical chunk already on disk is reused.
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("blobstore: write chunk %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blobstore: finalize chunk %s: %w", id, err)
	}
	return nil
}

func (s *Store) putMeta(id ids.BlobId, m Meta) error {
	return s.kv.Put(kvstore.ColumnBlobMeta, s.metaKey(id), encodeMeta(m))
}

// encodeMeta/decodeMeta use a tiny fixed layout rather than a general
// serialization library: 8-byte size, 32-byte hash, then 32-byte link ids
// back to back. This column never needs to be read by anything but this
// package, so a bespoke layout keeps the dependency list focused on
// concerns (WASM, K/V, crypto, transport) that actually need one.
func encodeMeta(m Meta) []byte {
	out := make([]byte, 8+32+32*len(m.Links))
	putUint64(out[0:8], m.Size)
	copy(out[8:40], m.Hash[:])
	for i, l := range m.Links {
		b := l
		copy(out[40+i*32:40+(i+1)*32], b[:])
	}
	return out
}

func decodeMeta(raw []byte) (Meta, error) {
	if len(raw) < 40 {
		return Meta{}, fmt.Errorf("blobstore: corrupt meta record (%d bytes)", len(raw))
	}
	var m Meta
	m.Size = getUint64(raw[0:8])
	copy(m.Hash[:], raw[8:40])
	rest := raw[40:]
	if len(rest)%32 != 0 {
		return Meta{}, fmt.Errorf("blobstore: corrupt link list (%d bytes)", len(rest))
	}
	for i := 0; i < len(rest)/32; i++ {
		id, err := ids.BlobIdFromBytes(rest[i*32 : (i+1)*32])
		if err != nil {
			return Meta{}, err
		}
		m.Links = append(m.Links, id)
	}
	return m, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
