package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrhaubrich/devslice/pkg/benchutil"
	"github.com/mrhaubrich/devslice/pkg/devindex"
	"github.com/mrhaubrich/devslice/pkg/mmapfile"
)

// TestHelperProcess stands in for the analysis subprocess; see the
// dispatch package tests for the pattern.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("GO_HELPER_MODE")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	var path string
	for i, a := range os.Args {
		if a == "--uds-location" && i+1 < len(os.Args) {
			path = os.Args[i+1]
		}
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		os.Exit(3)
	}
	in, _ := io.ReadAll(conn)
	conn.Close()

	conn, err = net.Dial("unix", path)
	if err != nil {
		os.Exit(4)
	}
	switch mode {
	case "echo":
		conn.Write(in)
	case "noresponse":
	}
	conn.Close()
	if mode == "noresponse" {
		os.Exit(1)
	}
}

func helperConfig(t *testing.T, path, mode string) Config {
	t.Helper()
	t.Setenv("GO_HELPER_MODE", mode)
	return Config{
		Path:          path,
		Command:       []string{os.Args[0], "-test.run=^TestHelperProcess$", "--"},
		SocketDir:     t.TempDir(),
		AcceptTimeout: 10 * time.Second,
	}
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const scenario = "id|device\n1|A\n2|B\n3|A\n4|C\n5|A\n6|B\n"

func TestRunSingleWorkerTally(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, scenario), "echo")
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.DataLines != 6 || res.Devices != 3 || res.Chunks != 1 {
		t.Errorf("DataLines=%d Devices=%d Chunks=%d, want 6/3/1", res.DataLines, res.Devices, res.Chunks)
	}
	// The echo subprocess returns header+rows; the header adjustment
	// brings the tally back to the data-line count.
	if res.TotalLines != 6 {
		t.Errorf("TotalLines = %d, want 6", res.TotalLines)
	}
	if res.RunID == "" {
		t.Error("missing run id")
	}
}

func TestRunKeepResultHeader(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, scenario), "echo")
	cfg.Workers = 1
	cfg.KeepResultHeader = true

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.TotalLines != 7 {
		t.Errorf("TotalLines = %d, want 7 (6 rows + kept header)", res.TotalLines)
	}
}

func TestRunTwoWorkers(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, scenario), "echo")
	cfg.Workers = 2

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Chunks != 2 {
		t.Fatalf("Chunks = %d, want 2", res.Chunks)
	}

	// Workers steal chunks from a shared queue, so per-worker splits
	// vary; the chunk payloads themselves must cover every data line
	// exactly once. Each processed chunk echoes one header row back.
	header := []byte("id|device")
	rows := map[string]int{}
	headerRows := 0
	totalLines := 0
	for _, w := range res.Workers {
		totalLines += w.Lines
		for _, row := range bytes.Split(bytes.TrimSuffix(w.Data, []byte{'\n'}), []byte{'\n'}) {
			if len(row) == 0 {
				continue
			}
			if bytes.Equal(row, header) {
				headerRows++
				continue
			}
			rows[string(row)]++
		}
	}
	if headerRows != 2 {
		t.Errorf("%d echoed header rows, want 2", headerRows)
	}
	if totalLines-headerRows != 6 {
		t.Errorf("%d data rows returned, want 6", totalLines-headerRows)
	}
	for _, want := range []string{"1|A", "2|B", "3|A", "4|C", "5|A", "6|B"} {
		if rows[want] != 1 {
			t.Errorf("row %q returned %d times", want, rows[want])
		}
	}
}

func TestRunHeaderOnly(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, "id|device\n"), "echo")
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.DataLines != 0 || res.TotalLines != 0 {
		t.Errorf("DataLines=%d TotalLines=%d, want 0/0", res.DataLines, res.TotalLines)
	}
	if res.Chunks != 1 {
		t.Errorf("Chunks = %d, want 1", res.Chunks)
	}
}

func TestRunEmptyChunksStillProduced(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, "id|device\n1|solo\n"), "echo")
	cfg.Workers = 3

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Chunks != 3 {
		t.Errorf("Chunks = %d, want 3", res.Chunks)
	}
}

func TestRunTrailingLineWithoutLF(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, "id|device\nx|Q"), "echo")
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.DataLines != 1 || res.TotalLines != 1 {
		t.Errorf("DataLines=%d TotalLines=%d, want 1/1", res.DataLines, res.TotalLines)
	}
	// The echoed payload proves the partitioner supplied the missing LF.
	var all []byte
	for _, w := range res.Workers {
		all = append(all, w.Data...)
	}
	if !bytes.Contains(all, []byte("x|Q\n")) {
		t.Errorf("returned payload lacks terminated row: %q", all)
	}
}

func TestRunMissingColumn(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, "a|b|c\n1|2|3\n"), "echo")
	_, err := Run(context.Background(), cfg)
	if !errors.Is(err, devindex.ErrColumnNotFound) {
		t.Errorf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestRunEmptyFile(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, ""), "echo")
	_, err := Run(context.Background(), cfg)
	if !errors.Is(err, mmapfile.ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
}

func TestRunCustomColumn(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, "id|sensor_name|v\n1|alpha|9\n2|beta|8\n"), "echo")
	cfg.Workers = 1
	cfg.DeviceColumn = "sensor_name"

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Devices != 2 || res.TotalLines != 2 {
		t.Errorf("Devices=%d TotalLines=%d, want 2/2", res.Devices, res.TotalLines)
	}
}

func TestRunSubprocessFailureTolerated(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, scenario), "noresponse")
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run must not fail on subprocess failure: %v", err)
	}
	if res.TotalLines != 0 {
		t.Errorf("TotalLines = %d, want 0", res.TotalLines)
	}
}

func TestRunGeneratedFile(t *testing.T) {
	gen := benchutil.NewGenerator(benchutil.GeneratorConfig{
		Devices:        23,
		LinesPerDevice: 40,
		MalformedEvery: 97,
		Seed:           7,
	})
	path := filepath.Join(t.TempDir(), "gen.csv")
	if err := os.WriteFile(path, gen.Generate(), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := helperConfig(t, path, "echo")
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.DataLines != gen.TotalLines() {
		t.Errorf("DataLines = %d, want %d", res.DataLines, gen.TotalLines())
	}
	if res.SkippedLines == 0 {
		t.Error("expected malformed lines to be skipped")
	}
	if want := res.DataLines - res.SkippedLines; res.TotalLines != want {
		t.Errorf("TotalLines = %d, want %d", res.TotalLines, want)
	}
}

func TestRunCleansUpSockets(t *testing.T) {
	cfg := helperConfig(t, writeCSV(t, scenario), "echo")
	cfg.Workers = 2

	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	leftover, err := filepath.Glob(filepath.Join(cfg.SocketDir, "*.sock"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftover) != 0 {
		t.Errorf("socket files left behind: %v", leftover)
	}
}
