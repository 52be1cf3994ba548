// Package cli implements the command-line interface for devslice.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mrhaubrich/devslice/pkg/humanfmt"
	"github.com/mrhaubrich/devslice/pkg/logging"
	"github.com/mrhaubrich/devslice/pkg/pipeline"
)

// ErrNotCSV is returned when the input path lacks the .csv extension.
var ErrNotCSV = errors.New("input file must have a .csv extension")

const usage = "usage: devslice [options] <path-to-file.csv> [device-column-name]"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	fs := flag.NewFlagSet("devslice", flag.ContinueOnError)
	script := fs.String("script", "./src/script/analyze_data.py", "path to the analysis script")
	workers := fs.Int("workers", 0, "worker count (default: all processors)")
	socketDir := fs.String("socket-dir", "/tmp", "directory for the per-worker sockets")
	acceptTimeout := fs.Duration("accept-timeout", 0, "per-chunk accept/receive deadline (0 = none)")
	keepResultHeader := fs.Bool("keep-result-header", false, "count the header row the analysis script re-emits")
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "human-friendly log output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		return errors.New(usage)
	}

	path := rest[0]
	column := "device"
	if len(rest) == 2 {
		column = rest[1]
	}
	if !strings.HasSuffix(strings.ToLower(path), ".csv") {
		return fmt.Errorf("%w: %s", ErrNotCSV, path)
	}

	logging.Init(*debug, *human)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := pipeline.Run(ctx, pipeline.Config{
		Path:             path,
		DeviceColumn:     column,
		Workers:          *workers,
		Command:          []string{"python3", *script},
		SocketDir:        *socketDir,
		AcceptTimeout:    *acceptTimeout,
		KeepResultHeader: *keepResultHeader,
	})
	if err != nil {
		return err
	}

	printSummary(res)
	return nil
}

func printSummary(res *pipeline.Result) {
	fmt.Printf("Processed %s (%s data lines, %d devices) across %d chunks\n",
		humanfmt.Bytes(res.MappedBytes), humanfmt.Count(int64(res.DataLines)), res.Devices, res.Chunks)
	if res.SkippedLines > 0 {
		fmt.Printf("Skipped %d malformed lines\n", res.SkippedLines)
	}
	for _, w := range res.Workers {
		fmt.Printf("  worker %d: %d chunks, %d failed, %s lines returned\n",
			w.Worker, w.Chunks, w.Failed, humanfmt.Count(int64(w.Lines)))
	}
	fmt.Printf("Total lines returned: %s\n", humanfmt.Count(int64(res.TotalLines)))

	t := res.Timings
	fmt.Println("Phase timings:")
	for _, row := range []struct {
		name string
		d    time.Duration
	}{
		{"mapping", t.Map},
		{"line scan", t.Scan},
		{"device index", t.Index},
		{"partitioning", t.Partition},
		{"processing", t.Process},
		{"total", t.Total},
	} {
		fmt.Printf("  %-13s %s\n", row.name, humanfmt.Duration(row.d))
	}
}
