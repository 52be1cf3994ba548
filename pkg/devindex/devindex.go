// Package devindex maps device identifiers to the lines that carry them.
//
// The index is a chained-bucket hash table keyed by the bytes of a chosen
// header column, hashed with FNV-1a. To build it concurrently without a
// lock, the table is split into one sub-table per worker: scanners take
// contiguous ranges of the line index and scatter (device, offset) pairs
// into per-shard buffers, then each shard writer drains its buffers in
// scanner order. Offsets arrive ascending, so every device's line list
// comes out in file order — byte-identical to a single-threaded build.
package devindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/mrhaubrich/devslice/pkg/linescan"
)

// ErrColumnNotFound is returned when the requested column name does not
// appear in the header.
var ErrColumnNotFound = errors.New("devindex: column not found")

// FNV-1a 64-bit parameters.
const (
	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

// Bucket sizing per the expected line volume. Large inputs start at a
// prime bucket count that keeps the load factor low through the build.
const (
	largeFileLines     = 1_000_000
	largeBucketCount   = 10007
	smallBucketCount   = 101
	maxLoadFactorNum   = 3
	maxLoadFactorDenom = 4
)

// FindColumn locates name among the pipe-separated header fields, each
// trimmed of ASCII spaces, and returns its 0-based index.
func FindColumn(header []byte, name string) (int, error) {
	for i, field := range bytes.Split(header, []byte{'|'}) {
		if string(bytes.Trim(field, " ")) == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
}

// DeviceID extracts the device column from a data line (LF excluded).
// ok is false when the line has fewer pipe separators than the column
// index requires; such lines are malformed and skipped.
func DeviceID(line []byte, column int) (id []byte, ok bool) {
	start := 0
	for c := 0; c < column; c++ {
		p := bytes.IndexByte(line[start:], '|')
		if p < 0 {
			return nil, false
		}
		start += p + 1
	}
	if end := bytes.IndexByte(line[start:], '|'); end >= 0 {
		return line[start : start+end], true
	}
	return line[start:], true
}

func fnv1a(b []byte) uint64 {
	h := uint64(fnvOffset)
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

type entry struct {
	key   string
	lines []int
	next  *entry
}

// shard is one lock-free sub-table, owned by a single writer during the
// build and read-only afterwards.
type shard struct {
	buckets []*entry
	devices int
	lines   int
}

func newShard(expectedLines int) *shard {
	n := smallBucketCount
	if expectedLines > largeFileLines {
		n = largeBucketCount
	}
	return &shard{buckets: make([]*entry, n)}
}

func (s *shard) insert(key []byte, offset int) {
	b := fnv1a(key) % uint64(len(s.buckets))
	for e := s.buckets[b]; e != nil; e = e.next {
		if e.key == string(key) {
			e.lines = append(e.lines, offset)
			s.lines++
			return
		}
	}
	s.buckets[b] = &entry{
		key:   string(key),
		lines: []int{offset},
		next:  s.buckets[b],
	}
	s.devices++
	s.lines++
	if s.devices*maxLoadFactorDenom > len(s.buckets)*maxLoadFactorNum {
		s.grow()
	}
}

func (s *shard) grow() {
	old := s.buckets
	s.buckets = make([]*entry, len(old)*2)
	for _, e := range old {
		for e != nil {
			next := e.next
			b := fnv1a([]byte(e.key)) % uint64(len(s.buckets))
			e.next = s.buckets[b]
			s.buckets[b] = e
			e = next
		}
	}
}

func (s *shard) lookup(device string) *entry {
	b := fnv1a([]byte(device)) % uint64(len(s.buckets))
	for e := s.buckets[b]; e != nil; e = e.next {
		if e.key == device {
			return e
		}
	}
	return nil
}

// Table is the built device index. It is read-only after Build returns.
type Table struct {
	shards  []*shard
	skipped int
}

func (t *Table) shardOf(key []byte) *shard {
	return t.shards[xxh3.Hash(key)%uint64(len(t.shards))]
}

// Lines returns the file-ordered line offsets recorded for device, or nil
// if the device is unknown.
func (t *Table) Lines(device string) []int {
	if e := t.shardOf([]byte(device)).lookup(device); e != nil {
		return e.lines
	}
	return nil
}

// Devices returns a snapshot of all device ids. Order is unspecified.
func (t *Table) Devices() []string {
	out := make([]string, 0, t.Len())
	for _, s := range t.shards {
		for _, e := range s.buckets {
			for ; e != nil; e = e.next {
				out = append(out, e.key)
			}
		}
	}
	return out
}

// Len returns the number of distinct devices.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		n += s.devices
	}
	return n
}

// TotalLines returns the number of indexed lines. It is at most the size
// of the line index; the difference is Skipped.
func (t *Table) TotalLines() int {
	n := 0
	for _, s := range t.shards {
		n += s.lines
	}
	return n
}

// Skipped returns how many malformed lines were dropped during the build.
func (t *Table) Skipped() int { return t.skipped }

// pair is a scattered (device, line offset) observation. The key borrows
// from the scanned region; it is copied to an owned string on insert.
type pair struct {
	key    []byte
	offset int
}

// Build indexes every line of idx by its device column using up to workers
// scanner/writer pairs.
func Build(ctx context.Context, data []byte, idx linescan.Index, column, workers int) (*Table, error) {
	n := len(idx.Offsets)
	if workers < 1 {
		workers = 1
	}
	if workers > n && n > 0 {
		workers = n
	}
	if n == 0 {
		workers = 1
	}

	t := &Table{shards: make([]*shard, workers)}
	for i := range t.shards {
		t.shards[i] = newShard(n)
	}

	// Scatter: each scanner owns a contiguous range of the line index and
	// routes pairs into its own per-shard buffers.
	buffers := make([][][]pair, workers)
	skipped := make([]int, workers)

	g, gctx := errgroup.WithContext(ctx)
	per := n / workers
	for w := 0; w < workers; w++ {
		lo := w * per
		hi := lo + per
		if w == workers-1 {
			hi = n
		}
		w := w
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			local := make([][]pair, workers)
			for i := lo; i < hi; i++ {
				id, ok := DeviceID(idx.Line(data, i), column)
				if !ok {
					skipped[w]++
					continue
				}
				s := xxh3.Hash(id) % uint64(workers)
				local[s] = append(local[s], pair{key: id, offset: idx.Offsets[i]})
			}
			buffers[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge: each shard writer drains its column of buffers in scanner
	// order, which is ascending offset order, reconstructing file order
	// inside every device list.
	g, gctx = errgroup.WithContext(ctx)
	for s := 0; s < workers; s++ {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dst := t.shards[s]
			for w := 0; w < workers; w++ {
				for _, p := range buffers[w][s] {
					dst.insert(p.key, p.offset)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, k := range skipped {
		t.skipped += k
	}
	return t, nil
}
