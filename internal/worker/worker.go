// Package worker runs a pre-trained model inside a Python subprocess and
// exchanges frames and results with it over pipes.
//
// Wire format (all integers big endian):
//
//	request:  [Len uint32] [Seq uint64] [OptsLen uint16] [Opts JSON] [JPEG frame]
//	response: [Len uint32] [Seq uint64] [Status uint8] [Body]
//
// Status 0 carries a JSON body. Status 1 carries [MsgLen uint32] [Msg].
// Sequence 0 is the startup handshake: the process answers it once the model
// is loaded, or reports why it could not load.
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/poise/internal/types"
	"github.com/andresmejia3/poise/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a corrupted length header.
	maxResponse = 64 * 1024 * 1024

	// DefaultExitGrace is how long Close lets the process exit before killing it.
	DefaultExitGrace = 2 * time.Second
)

// ErrClosed is returned for calls made after the worker shut down.
var ErrClosed = errors.New("worker closed")

// Config selects the script and model a worker process loads.
type Config struct {
	Python         string
	Script         string
	Model          string
	Params         map[string]any
	StartupTimeout time.Duration
}

// ModelError is an error reported by the Python side (status 1).
type ModelError struct {
	Msg string
}

func (e *ModelError) Error() string { return "python worker error: " + e.Msg }

type response struct {
	status byte
	body   []byte
}

// PythonWorker owns one model process. Calls may overlap: each request gets a
// fresh sequence number, and a response nobody is waiting for any more (the
// caller stopped waiting) is discarded on arrival.
type PythonWorker struct {
	ID       string
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	// ExitGrace bounds the wait in Close. Zero means DefaultExitGrace.
	ExitGrace time.Duration

	seq     atomic.Uint64
	dropped atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewPythonWorker starts the process and waits for the model handshake.
func NewPythonWorker(ctx context.Context, id string, cfg Config) (*PythonWorker, error) {
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model params: %w", err)
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script, "--model", cfg.Model, "--params", string(params))

	// Side-channel pipe (FD 3) keeps results apart from Python's stdout noise.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %s failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	pw := newPythonWorker(id, stdin, r)
	pw.Cmd = py

	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := pw.await(hctx, 0); err != nil {
		pw.Close()
		return nil, fmt.Errorf("worker %s failed to load model %q: %w", id, cfg.Model, err)
	}
	slog.Debug("model worker ready", "worker", id, "model", cfg.Model)
	return pw, nil
}

// newPythonWorker wires the pipes and starts the response reader. The
// handshake slot (sequence 0) is registered before reading begins.
func newPythonWorker(id string, stdin io.WriteCloser, data io.ReadCloser) *PythonWorker {
	w := &PythonWorker{
		ID:       id,
		Stdin:    stdin,
		DataPipe: data,
		pending:  map[uint64]chan response{0: make(chan response, 1)},
		done:     make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// Estimate sends one frame and blocks until its own response arrives, ctx is
// done, or the worker dies. The JSON body is returned undecoded.
func (w *PythonWorker) Estimate(ctx context.Context, frame types.Frame, opts types.EstimateOptions) ([]byte, error) {
	seq := w.seq.Add(1)
	ch := make(chan response, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	w.pending[seq] = ch
	w.mu.Unlock()

	if err := w.send(seq, opts, frame.Data); err != nil {
		w.forget(seq)
		return nil, err
	}
	return w.await(ctx, seq)
}

// Dropped reports how many responses arrived after their caller left.
func (w *PythonWorker) Dropped() uint64 { return w.dropped.Load() }

func (w *PythonWorker) send(seq uint64, opts types.EstimateOptions, frame []byte) error {
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	total := 8 + 2 + len(optsJSON) + len(frame)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	hdr := make([]byte, 4+8+2)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(total))
	binary.BigEndian.PutUint64(hdr[4:12], seq)
	binary.BigEndian.PutUint16(hdr[12:14], uint16(len(optsJSON)))

	for _, part := range [][]byte{hdr, optsJSON, frame} {
		if _, err := w.Stdin.Write(part); err != nil {
			return fmt.Errorf("failed to write to worker %s: %w", w.ID, err)
		}
	}
	return nil
}

func (w *PythonWorker) await(ctx context.Context, seq uint64) ([]byte, error) {
	w.mu.Lock()
	ch, ok := w.pending[seq]
	w.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}
	defer w.forget(seq)

	select {
	case r := <-ch:
		return decode(r)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		// A response may have landed just before the reader stopped.
		select {
		case r := <-ch:
			return decode(r)
		default:
		}
		return nil, w.readErr
	}
}

func (w *PythonWorker) forget(seq uint64) {
	w.mu.Lock()
	delete(w.pending, seq)
	w.mu.Unlock()
}

func decode(r response) ([]byte, error) {
	switch r.status {
	case statusOK:
		return r.body, nil
	case statusError:
		if len(r.body) < 4 {
			return nil, &ModelError{Msg: "malformed error payload"}
		}
		n := binary.BigEndian.Uint32(r.body[:4])
		if int(n) > len(r.body)-4 {
			n = uint32(len(r.body) - 4)
		}
		return nil, &ModelError{Msg: string(r.body[4 : 4+n])}
	default:
		return nil, fmt.Errorf("unknown worker status %d", r.status)
	}
}

func (w *PythonWorker) readLoop() {
	err := func() error {
		header := make([]byte, 4)
		for {
			if _, err := io.ReadFull(w.DataPipe, header); err != nil {
				return err
			}
			n := binary.BigEndian.Uint32(header)
			if n < 9 || n > maxResponse {
				return fmt.Errorf("invalid response length %d", n)
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(w.DataPipe, body); err != nil {
				return err
			}
			seq := binary.BigEndian.Uint64(body[:8])
			r := response{status: body[8], body: body[9:]}

			w.mu.Lock()
			ch, ok := w.pending[seq]
			w.mu.Unlock()
			if !ok {
				w.dropped.Add(1)
				continue
			}
			select {
			case ch <- r:
			default:
				w.dropped.Add(1)
			}
		}
	}()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		err = fmt.Errorf("worker %s exited: %w", w.ID, ErrClosed)
	}
	w.readErr = err
	close(w.done)
}

// Close stops the process. Safe to call more than once.
func (w *PythonWorker) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.reap()
		}
		<-w.done
	})
}

// reap waits up to ExitGrace for the process to leave on its own after its
// pipes closed, then kills it.
func (w *PythonWorker) reap() {
	exited := make(chan struct{})
	go func() {
		w.Cmd.Wait()
		close(exited)
	}()

	grace := w.ExitGrace
	if grace <= 0 {
		grace = DefaultExitGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		slog.Warn("model worker did not exit, killing it", "worker", w.ID, "grace", grace)
		w.Cmd.Process.Kill()
		<-exited
	}
}
