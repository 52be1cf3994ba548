// Package dispatch drains the chunk queue through a pool of workers, each
// handing chunks to an external analysis subprocess over a unix stream
// socket.
//
// The wire contract, kept from the shipped analyzer, uses two connections
// per chunk on one listening socket: the subprocess connects and reads
// `header LF chunk-bytes` until the worker closes the connection, then
// connects a second time and writes its response before exiting. The
// worker tallies the LF bytes of the response.
//
// A failed chunk never poisons its worker: the error is classified
// (ErrSocket, ErrSpawn, ErrIO), the subprocess — if it was started — is
// reaped, the socket is torn down, and the worker moves to the next chunk.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mrhaubrich/devslice/pkg/chunkqueue"
	"github.com/mrhaubrich/devslice/pkg/logging"
	"github.com/mrhaubrich/devslice/pkg/partition"
)

var (
	// ErrSocket covers bind/listen/accept failures for a chunk.
	ErrSocket = errors.New("dispatch: socket setup failed")
	// ErrSpawn covers subprocess launch failures for a chunk.
	ErrSpawn = errors.New("dispatch: subprocess launch failed")
	// ErrIO covers send/receive failures, including configured accept or
	// receive deadlines expiring.
	ErrIO = errors.New("dispatch: chunk I/O failed")
)

// DefaultCommand launches the analyzer the original deployment shipped.
var DefaultCommand = []string{"python3", "./src/script/analyze_data.py"}

// Config configures the worker pool.
type Config struct {
	// Workers is the pool size; one listening socket path per worker.
	Workers int
	// Command is the subprocess argv prefix; "--uds-location <path>" is
	// appended. Defaults to DefaultCommand.
	Command []string
	// SocketDir is where the per-worker sockets live. Default /tmp.
	SocketDir string
	// SocketPattern names the per-worker socket file; it must contain
	// one %d verb for the worker id. Default "uds_slice_%d.sock".
	SocketPattern string
	// ReadBufferSize is the fixed receive buffer size. Default 1 MiB.
	ReadBufferSize int
	// AcceptTimeout bounds each accept and the response read when
	// positive. Expiry fails only the chunk, classified under ErrIO.
	AcceptTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/tmp"
	}
	if cfg.SocketPattern == "" {
		cfg.SocketPattern = "uds_slice_%d.sock"
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1 << 20
	}
}

// WorkerResult accumulates one worker's output across all its chunks.
type WorkerResult struct {
	// Worker is the worker id.
	Worker int
	// Chunks and Failed count processed and dropped chunks.
	Chunks int
	Failed int
	// Lines is the LF tally over Data.
	Lines int
	// Data concatenates every subprocess response this worker received.
	Data []byte
}

// Run launches cfg.Workers workers, blocks until the queue is drained and
// every subprocess is reaped, and returns one result per worker. The
// header bytes borrow from the mapping; the caller keeps the mapping
// alive until Run returns.
func Run(ctx context.Context, q *chunkqueue.Queue, header []byte, cfg Config) []WorkerResult {
	cfg.applyDefaults()

	tracker := logging.NewChunkTracker(q.Len(), logging.WithPhase("process"))
	results := make([]WorkerResult, cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i] = runWorker(ctx, i, q, header, cfg, tracker)
		}()
	}
	wg.Wait()

	completed, failed := tracker.Progress()
	phaseLog := logging.WithPhase("process")
	phaseLog.Info().
		Int64("chunks_completed", completed).
		Int64("chunks_failed", failed).
		Dur("took", tracker.Elapsed()).
		Msg("worker pool drained")

	return results
}

func runWorker(ctx context.Context, id int, q *chunkqueue.Queue, header []byte, cfg Config, tracker *logging.ChunkTracker) WorkerResult {
	res := WorkerResult{Worker: id}
	log := logging.WithWorker(id)
	log.Debug().Msg("worker started")

	for ctx.Err() == nil {
		chunk, ok := q.Dequeue()
		if !ok {
			break
		}
		start := time.Now()
		out, err := processChunk(ctx, id, header, chunk, cfg)
		if err != nil {
			res.Failed++
			tracker.RecordFailure(id, err)
			continue
		}
		lines := bytes.Count(out, []byte{'\n'})
		res.Chunks++
		res.Lines += lines
		res.Data = append(res.Data, out...)
		tracker.RecordCompletion(id, lines, time.Since(start))
	}

	log.Debug().
		Int("chunks", res.Chunks).
		Int("failed", res.Failed).
		Int("lines", res.Lines).
		Msg("worker finished")
	return res
}

// processChunk walks one chunk through the socket/subprocess state
// machine. On any failure the listener is closed (unlinking the socket
// file) and a started subprocess is reaped before the error is returned.
func processChunk(ctx context.Context, id int, header []byte, chunk partition.Chunk, cfg Config) ([]byte, error) {
	path := filepath.Join(cfg.SocketDir, fmt.Sprintf(cfg.SocketPattern, id))
	// A crashed previous run can leave a stale socket file behind.
	_ = os.Remove(path)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrSocket, path, err)
	}
	ul := ln.(*net.UnixListener)

	args := append(append([]string(nil), cfg.Command[1:]...), "--uds-location", path)
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ul.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, cfg.Command[0], err)
	}

	// Closing the listener unblocks the subprocess's connect attempts, so
	// reaping after it cannot deadlock.
	fail := func(err error) ([]byte, error) {
		ul.Close()
		_ = cmd.Wait()
		return nil, err
	}

	conn, err := acceptWithin(ul, cfg.AcceptTimeout)
	if err != nil {
		return fail(classifyAccept(err))
	}
	if err := sendChunk(conn, header, chunk.Data); err != nil {
		conn.Close()
		return fail(fmt.Errorf("%w: send: %v", ErrIO, err))
	}
	// Close the send connection; the subprocess reads until EOF.
	conn.Close()

	conn, err = acceptWithin(ul, cfg.AcceptTimeout)
	if err != nil {
		return fail(classifyAccept(err))
	}
	if cfg.AcceptTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.AcceptTimeout))
	}
	out, err := readAll(conn, cfg.ReadBufferSize)
	conn.Close()
	if err != nil {
		// Partial bytes are discarded; the chunk counts as zero lines.
		return fail(fmt.Errorf("%w: receive: %v", ErrIO, err))
	}

	workerLog := logging.WithWorker(id)
	if err := cmd.Wait(); err != nil {
		workerLog.Warn().Err(err).Msg("subprocess exited abnormally")
	}
	if err := ul.Close(); err != nil {
		workerLog.Warn().Err(err).Str("socket", path).Msg("listener close failed")
	}
	return out, nil
}

func acceptWithin(ul *net.UnixListener, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		if err := ul.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	return ul.Accept()
}

// classifyAccept sorts accept failures: deadline expiry is the chunk's
// I/O failure, anything else is a socket failure.
func classifyAccept(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: accept: %v", ErrIO, err)
	}
	return fmt.Errorf("%w: accept: %v", ErrSocket, err)
}

// sendChunk writes header, LF, then the chunk rows.
func sendChunk(conn net.Conn, header, data []byte) error {
	bufs := net.Buffers{header, {'\n'}, data}
	_, err := bufs.WriteTo(conn)
	return err
}

// readAll drains conn into a fixed-size scratch buffer until EOF.
func readAll(conn net.Conn, bufSize int) ([]byte, error) {
	buf := make([]byte, bufSize)
	var out []byte
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
