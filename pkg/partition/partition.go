// Package partition assigns whole devices to worker chunks.
//
// Assignment is longest-processing-time greedy: devices sorted by line
// count descending go one at a time to the bucket with the fewest lines so
// far. A device's rows are never split across chunks, so the worst-case
// imbalance is bounded by the largest device. Ties are broken by device id
// and bucket index, which makes the output byte-for-byte deterministic for
// a fixed input and worker count.
package partition

import (
	"bytes"
	"sort"

	"github.com/mrhaubrich/devslice/pkg/devindex"
)

// Chunk is an owned buffer of LF-terminated rows for one worker.
type Chunk struct {
	// Worker is the chunk's 0-based worker tag.
	Worker int
	// Data concatenates the assigned devices' rows in assignment order,
	// file order within each device. Every row ends with LF.
	Data []byte
	// Lines is the number of rows in Data.
	Lines int
	// Devices is the number of devices assigned to this chunk.
	Devices int
}

type deviceLoad struct {
	id    string
	lines []int
}

// Split materializes exactly n chunks from the device index. Buckets left
// without devices still yield a chunk with empty Data, keeping chunks
// one-to-one with workers.
func Split(data []byte, tbl *devindex.Table, n int) []Chunk {
	if n < 1 {
		n = 1
	}

	devices := make([]deviceLoad, 0, tbl.Len())
	for _, id := range tbl.Devices() {
		devices = append(devices, deviceLoad{id: id, lines: tbl.Lines(id)})
	}
	sort.Slice(devices, func(i, j int) bool {
		if len(devices[i].lines) != len(devices[j].lines) {
			return len(devices[i].lines) > len(devices[j].lines)
		}
		return devices[i].id < devices[j].id
	})

	assigned := make([][]deviceLoad, n)
	totals := make([]int, n)
	for _, dev := range devices {
		k := 0
		for b := 1; b < n; b++ {
			if totals[b] < totals[k] {
				k = b
			}
		}
		assigned[k] = append(assigned[k], dev)
		totals[k] += len(dev.lines)
	}

	chunks := make([]Chunk, n)
	for k := 0; k < n; k++ {
		chunks[k] = materialize(data, k, assigned[k], totals[k])
	}
	return chunks
}

// materialize copies the bucket's rows out of the mapped region into an
// owned buffer, appending an LF where the source line lacks one (the
// file's trailing line).
func materialize(data []byte, worker int, devices []deviceLoad, lines int) Chunk {
	size := 0
	for _, dev := range devices {
		for _, off := range dev.lines {
			size += lineLen(data, off) + 1
		}
	}

	buf := make([]byte, 0, size)
	for _, dev := range devices {
		for _, off := range dev.lines {
			buf = append(buf, data[off:off+lineLen(data, off)]...)
			buf = append(buf, '\n')
		}
	}

	return Chunk{
		Worker:  worker,
		Data:    buf,
		Lines:   lines,
		Devices: len(devices),
	}
}

// lineLen returns the length of the line starting at off, LF excluded.
func lineLen(data []byte, off int) int {
	if nl := bytes.IndexByte(data[off:], '\n'); nl >= 0 {
		return nl
	}
	return len(data) - off
}
