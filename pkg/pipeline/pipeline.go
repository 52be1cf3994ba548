// Package pipeline composes the full run: map the file, index its lines,
// group them by device, balance whole devices across chunks, and drain the
// chunks through the worker pool.
//
// Resources are released in reverse order of acquisition on every exit
// path; the mapping in particular stays alive until the workers have
// joined, because the header bytes and every line offset borrow from it.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mrhaubrich/devslice/internal/logctx"
	"github.com/mrhaubrich/devslice/pkg/chunkqueue"
	"github.com/mrhaubrich/devslice/pkg/devindex"
	"github.com/mrhaubrich/devslice/pkg/dispatch"
	"github.com/mrhaubrich/devslice/pkg/humanfmt"
	"github.com/mrhaubrich/devslice/pkg/linescan"
	"github.com/mrhaubrich/devslice/pkg/logging"
	"github.com/mrhaubrich/devslice/pkg/mmapfile"
	"github.com/mrhaubrich/devslice/pkg/partition"
	"github.com/mrhaubrich/devslice/pkg/sysres"
)

// Config configures a pipeline run. Zero values take defaults.
type Config struct {
	// Path is the delimited input file.
	Path string
	// DeviceColumn names the header column holding the device id.
	// Default "device".
	DeviceColumn string
	// Workers sets the parallelism for the scan, the index build, the
	// chunk count, and the worker pool. Default: the processor count.
	Workers int
	// Command is the analysis subprocess argv prefix.
	Command []string
	// SocketDir, SocketPattern, ReadBufferSize, AcceptTimeout pass
	// through to the dispatcher.
	SocketDir      string
	SocketPattern  string
	ReadBufferSize int
	AcceptTimeout  time.Duration
	// KeepResultHeader disables the per-result header adjustment. The
	// stock analyzer re-emits a CSV header row in every response, so by
	// default one line per non-empty worker result is excluded from the
	// aggregate tally.
	KeepResultHeader bool
}

func (cfg *Config) applyDefaults() {
	if cfg.DeviceColumn == "" {
		cfg.DeviceColumn = "device"
	}
	if cfg.Workers < 1 {
		cfg.Workers = sysres.Workers()
	}
}

// Timings holds per-phase wall-clock durations.
type Timings struct {
	Map       time.Duration
	Scan      time.Duration
	Index     time.Duration
	Partition time.Duration
	Process   time.Duration
	Total     time.Duration
}

// Result summarizes a completed run.
type Result struct {
	RunID        string
	MappedBytes  int64
	DataLines    int
	SkippedLines int
	Devices      int
	Chunks       int
	// TotalLines is the aggregate subprocess-response tally after the
	// result-header adjustment.
	TotalLines int
	Workers    []dispatch.WorkerResult
	Timings    Timings
}

// Run executes the pipeline. Any error before the worker phase is fatal;
// per-chunk failures inside the worker phase are reported through the
// per-worker results instead.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.applyDefaults()
	ctx, runID := logctx.NewRun(ctx)
	log := logctx.FromContext(ctx)
	start := time.Now()

	mem := sysres.TotalMemory()
	log.Info().
		Str("path", cfg.Path).
		Str("device_column", cfg.DeviceColumn).
		Int("workers", cfg.Workers).
		Str("total_memory", humanfmt.Bytes(int64(mem.TotalBytes))).
		Msg("starting pipeline")

	mapStart := time.Now()
	m, err := mmapfile.Map(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("map phase: %w", err)
	}
	defer m.Release()
	mapTook := time.Since(mapStart)
	data := m.Bytes()

	if mem.Reliable && uint64(m.Size()) > mem.TotalBytes/2 {
		log.Warn().
			Str("file_size", humanfmt.Bytes(m.Size())).
			Str("total_memory", humanfmt.Bytes(int64(mem.TotalBytes))).
			Msg("input exceeds half of system memory; expect paging during the scan")
	}
	mapLog := logging.WithPhase("map")
	mapLog.Info().
		Str("size", humanfmt.Bytes(m.Size())).
		Dur("took", mapTook).
		Msg("file mapped")

	scanStart := time.Now()
	idx, err := linescan.Scan(ctx, data, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("scan phase: %w", err)
	}
	scanTook := time.Since(scanStart)
	scanLog := logging.WithPhase("scan")
	scanLog.Info().
		Int("data_lines", len(idx.Offsets)).
		Str("throughput", humanfmt.Throughput(m.Size(), scanTook)).
		Dur("took", scanTook).
		Msg("line index built")

	header := idx.HeaderBytes(data)
	col, err := devindex.FindColumn(header, cfg.DeviceColumn)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	indexStart := time.Now()
	tbl, err := devindex.Build(ctx, data, idx, col, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("index phase: %w", err)
	}
	indexTook := time.Since(indexStart)
	indexLog := logging.WithPhase("index")
	indexLog.Info().
		Int("devices", tbl.Len()).
		Int("lines", tbl.TotalLines()).
		Int("skipped", tbl.Skipped()).
		Dur("took", indexTook).
		Msg("device index built")

	partStart := time.Now()
	chunks := partition.Split(data, tbl, cfg.Workers)
	partTook := time.Since(partStart)
	logPartition(chunks, partTook)

	q := chunkqueue.New(len(chunks))
	for _, c := range chunks {
		if err := q.Enqueue(c); err != nil {
			return nil, fmt.Errorf("enqueue chunk %d: %w", c.Worker, err)
		}
	}
	q.Close()

	procStart := time.Now()
	workerResults := dispatch.Run(ctx, q, header, dispatch.Config{
		Workers:        cfg.Workers,
		Command:        cfg.Command,
		SocketDir:      cfg.SocketDir,
		SocketPattern:  cfg.SocketPattern,
		ReadBufferSize: cfg.ReadBufferSize,
		AcceptTimeout:  cfg.AcceptTimeout,
	})
	procTook := time.Since(procStart)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("worker phase: %w", err)
	}

	total := 0
	for _, r := range workerResults {
		lines := r.Lines
		if !cfg.KeepResultHeader && len(r.Data) > 0 {
			lines--
		}
		total += lines
		previewResult(r)
	}

	res := &Result{
		RunID:        runID,
		MappedBytes:  m.Size(),
		DataLines:    len(idx.Offsets),
		SkippedLines: tbl.Skipped(),
		Devices:      tbl.Len(),
		Chunks:       len(chunks),
		TotalLines:   total,
		Workers:      workerResults,
		Timings: Timings{
			Map:       mapTook,
			Scan:      scanTook,
			Index:     indexTook,
			Partition: partTook,
			Process:   procTook,
			Total:     time.Since(start),
		},
	}

	log.Info().
		Int("data_lines", res.DataLines).
		Int("devices", res.Devices).
		Int("total_lines", res.TotalLines).
		Str("took", humanfmt.Duration(res.Timings.Total)).
		Msg("pipeline complete")
	return res, nil
}

func logPartition(chunks []partition.Chunk, took time.Duration) {
	log := logging.WithPhase("partition")
	minLines, maxLines := -1, 0
	for _, c := range chunks {
		if minLines < 0 || c.Lines < minLines {
			minLines = c.Lines
		}
		if c.Lines > maxLines {
			maxLines = c.Lines
		}
		log.Debug().
			Int("chunk", c.Worker).
			Int("devices", c.Devices).
			Int("lines", c.Lines).
			Str("size", humanfmt.Bytes(int64(len(c.Data)))).
			Msg("chunk materialized")
	}
	log.Info().
		Int("chunks", len(chunks)).
		Int("min_lines", minLines).
		Int("max_lines", maxLines).
		Dur("took", took).
		Msg("devices partitioned")
}

// previewResult logs the first rows a worker got back, mirroring what the
// original printed after the join.
func previewResult(r dispatch.WorkerResult) {
	workerLog := logging.WithWorker(r.Worker)
	e := workerLog.Debug()
	if !e.Enabled() {
		return
	}
	const maxRows = 10
	rows := bytes.SplitN(r.Data, []byte{'\n'}, maxRows+1)
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	preview := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			preview = append(preview, string(row))
		}
	}
	e.Int("lines", r.Lines).Strs("preview", preview).Msg("worker result")
}
