package vectorstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// indexMagic identifies serialized index blobs.
var indexMagic = [4]byte{'T', 'H', 'V', 'X'}

const indexVersion uint32 = 1

// flatIndex is a brute-force L2 index over float32 vectors, each tagged with
// an opaque int64 handle. Not safe for concurrent use; the Store serializes
// access.
type flatIndex struct {
	dim     int
	handles []int64
	vecs    [][]float32
}

func newFlatIndex(dim int) *flatIndex {
	return &flatIndex{dim: dim}
}

func (ix *flatIndex) len() int { return len(ix.handles) }

func (ix *flatIndex) add(handle int64, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("vector has dimension %d, index expects %d", len(vec), ix.dim)
	}
	ix.handles = append(ix.handles, handle)
	ix.vecs = append(ix.vecs, vec)
	return nil
}

// remove drops the entry for handle, if present.
func (ix *flatIndex) remove(handle int64) {
	for i, h := range ix.handles {
		if h == handle {
			last := len(ix.handles) - 1
			ix.handles[i] = ix.handles[last]
			ix.vecs[i] = ix.vecs[last]
			ix.handles = ix.handles[:last]
			ix.vecs = ix.vecs[:last]
			return
		}
	}
}

type match struct {
	handle int64
	dist   float32
}

// search returns up to k handles ordered by ascending L2 distance to query.
func (ix *flatIndex) search(query []float32, k int) ([]match, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query has dimension %d, index expects %d", len(query), ix.dim)
	}
	if k <= 0 || ix.len() == 0 {
		return nil, nil
	}

	matches := make([]match, 0, ix.len())
	for i, vec := range ix.vecs {
		var sum float32
		for j, q := range query {
			d := vec[j] - q
			sum += d * d
		}
		matches = append(matches, match{handle: ix.handles[i], dist: sum})
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].dist < matches[b].dist })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// writeTo serializes the index: magic, version, dim, count, then per-entry
// handle and vector, all little-endian.
func (ix *flatIndex) writeTo(w io.Writer) error {
	if _, err := w.Write(indexMagic[:]); err != nil {
		return err
	}
	header := []uint32{indexVersion, uint32(ix.dim), uint32(ix.len())}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for i, handle := range ix.handles {
		if err := binary.Write(w, binary.LittleEndian, handle); err != nil {
			return err
		}
		for _, f := range ix.vecs[i] {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(f)); err != nil {
				return err
			}
		}
	}
	return nil
}

// readIndex deserializes an index blob written by writeTo.
func readIndex(r io.Reader) (*flatIndex, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read index magic: %w", err)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("bad index magic %q", magic)
	}

	var version, dim, count uint32
	for _, dst := range []*uint32{&version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("read index header: %w", err)
		}
	}
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}

	ix := newFlatIndex(int(dim))
	for i := uint32(0); i < count; i++ {
		var handle int64
		if err := binary.Read(r, binary.LittleEndian, &handle); err != nil {
			return nil, fmt.Errorf("read index entry %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, fmt.Errorf("read index entry %d: %w", i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		ix.handles = append(ix.handles, handle)
		ix.vecs = append(ix.vecs, vec)
	}
	return ix, nil
}
