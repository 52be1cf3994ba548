// Package linescan builds a line index over a mapped byte region.
//
// The scan splits the region into one block per worker, realigns every
// block boundary forward to the byte after the next LF, and has each worker
// record the line starts inside its own block. A line belongs to the block
// that contains its first byte, so no line is ever seen by two workers and
// no post-hoc deduplication is needed. The merged index stores integer
// offsets into the scanned region, never sub-slices.
package linescan

import (
	"bytes"
	"context"

	"golang.org/x/sync/errgroup"
)

// Files below this size are scanned by a single worker; the fan-out cost
// dominates the scan on small inputs.
const smallFileThreshold = 100 << 10

// Span is a half-open [Start, End) byte range.
type Span struct {
	Start int
	End   int
}

// Index locates the header and every data line of a scanned region.
type Index struct {
	// Header is the byte range of the first line, terminating LF excluded.
	Header Span
	// Offsets holds the start offset of each data line, strictly
	// increasing and in file order.
	Offsets []int
}

// HeaderBytes resolves the header range against the scanned region.
func (ix Index) HeaderBytes(data []byte) []byte {
	return data[ix.Header.Start:ix.Header.End]
}

// Line resolves data line i against the scanned region. The returned slice
// excludes the terminating LF, if any.
func (ix Index) Line(data []byte, i int) []byte {
	start := ix.Offsets[i]
	end := bytes.IndexByte(data[start:], '\n')
	if end < 0 {
		return data[start:]
	}
	return data[start : start+end]
}

// Scan indexes data with up to workers parallel scanners. The first line is
// recorded as the header; Offsets covers only the data lines that follow.
func Scan(ctx context.Context, data []byte, workers int) (Index, error) {
	if len(data) == 0 {
		return Index{}, nil
	}
	if workers < 1 || len(data) < smallFileThreshold {
		workers = 1
	}

	starts := blockStarts(data, workers)
	blocks := make([][]int, workers)

	g, ctx := errgroup.WithContext(ctx)
	for b := 0; b < workers; b++ {
		end := len(data)
		if b+1 < workers {
			end = starts[b+1]
		}
		b, end := b, end
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			blocks[b] = scanBlock(data, starts[b], end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Index{}, err
	}

	total := 0
	for _, offs := range blocks {
		total += len(offs)
	}
	merged := make([]int, 0, total)
	for _, offs := range blocks {
		merged = append(merged, offs...)
	}

	headerEnd := bytes.IndexByte(data, '\n')
	if headerEnd < 0 {
		headerEnd = len(data)
	}
	// The first merged offset is the header's first byte; everything
	// after it is a data line.
	return Index{
		Header:  Span{Start: 0, End: headerEnd},
		Offsets: merged[1:],
	}, nil
}

// blockStarts returns one realigned start per block. Block 0 starts at 0;
// every later block starts at the byte after the next LF at-or-after its
// initial even split, so the removed prefix falls to the previous block.
func blockStarts(data []byte, workers int) []int {
	starts := make([]int, workers)
	blockSize := len(data) / workers
	for b := 1; b < workers; b++ {
		init := b * blockSize
		nl := bytes.IndexByte(data[init:], '\n')
		if nl < 0 {
			starts[b] = len(data)
			continue
		}
		starts[b] = init + nl + 1
	}
	return starts
}

// scanBlock records the line starts inside [start, end). The block's first
// byte starts a line by construction; every LF before the block's last
// byte starts one more. An LF in the block's final position hands the
// following line to the next block.
func scanBlock(data []byte, start, end int) []int {
	if start >= end {
		return nil
	}
	offs := make([]int, 0, (end-start)/32+1)
	offs = append(offs, start)
	for i := start; i < end-1; {
		nl := bytes.IndexByte(data[i:end-1], '\n')
		if nl < 0 {
			break
		}
		i += nl + 1
		offs = append(offs, i)
	}
	return offs
}

// Count counts the data lines of data with a plain sequential pass. It is
// the reference the parallel scan is checked against.
func Count(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	lines := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		lines++
	}
	return lines - 1
}
