// Package resampler converts PCM16 mono audio between sample rates using an
// external sox/ffmpeg-compatible process: exec.CommandContext with piped
// stdin/stdout, a buffered cmd.Wait() goroutine, and panic-safe, idempotent
// teardown.
package resampler

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sttbridge/gateway/pkg/commons"
)

// Resampler converts a mono PCM16 little-endian stream from one sample rate
// to another. It spawns its external process lazily, only on the first Write
// call, and only when the rates actually differ: a session whose client
// already streams at the provider's required rate never forks a process.
//
// Only upsampling and unity conversions are supported. Downsampling a client
// stream would require a low-pass filter the gateway does not implement, and
// doing it naively (decimation) aliases; New rejects from > to outright.
type Resampler struct {
	path string
	from int
	to   int
	log  commons.Logger

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	waitCh  chan error
	outCh   chan []byte
	readErr chan error
	exited  bool
	exitErr error
	carry   []byte // odd trailing byte held back from the previous Read
	cancel  context.CancelFunc
}

// ErrDownsampleUnsupported is returned by New when to < from.
var ErrDownsampleUnsupported = fmt.Errorf("resampler: downsampling is not supported")

// New builds a Resampler. path is the external binary (e.g. "sox"); from/to
// are sample rates in Hz. No process is started until the first Write.
func New(path string, from, to int, log commons.Logger) (*Resampler, error) {
	if to < from {
		return nil, ErrDownsampleUnsupported
	}
	return &Resampler{path: path, from: from, to: to, log: log}, nil
}

// Passthrough reports whether this Resampler is a no-op (from == to), in
// which case Write returns its input unchanged without spawning a process.
func (r *Resampler) Passthrough() bool {
	return r.from == r.to
}

func (r *Resampler) ensureStarted(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	args := []string{
		"-t", "raw", "-r", fmt.Sprintf("%d", r.from), "-e", "signed", "-b", "16", "-c", "1", "-",
		"-t", "raw", "-r", fmt.Sprintf("%d", r.to), "-e", "signed", "-b", "16", "-c", "1", "-",
	}
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, r.path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("resampler: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("resampler: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("resampler: start %s: %w", r.path, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	outCh := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(outCh)
		buf := make([]byte, 65536)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				outCh <- chunk
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = stdout
	r.waitCh = waitCh
	r.outCh = outCh
	r.readErr = readErr
	r.cancel = cancel
	r.started = true
	r.log.Debugf("resampler: spawned %s %dHz->%dHz", r.path, r.from, r.to)
	return nil
}

// Chunk pairs a PCM payload with the ingress meta it was attributed from.
type Chunk struct {
	Seq        uint32
	CaptureTs  float64
	DurationMs float32
	Payload    []byte
}

// Write feeds raw PCM16 input and returns whatever resampled bytes are
// immediately available, tagged with the meta of the most recently written
// input chunk. Because the external process buffers internally, the output
// does not correspond 1:1 to any single input chunk and a Write does not
// guarantee output proportional to its input; callers should keep calling
// Write until the session ends.
func (r *Resampler) Write(ctx context.Context, in Chunk) (Chunk, error) {
	if r.Passthrough() {
		return in, nil
	}
	if err := r.ensureStarted(ctx); err != nil {
		return Chunk{}, err
	}
	if err := r.pollExit(); err != nil {
		return Chunk{}, err
	}
	if _, err := r.stdin.Write(in.Payload); err != nil {
		if perr := r.pollExit(); perr != nil {
			return Chunk{}, perr
		}
		return Chunk{}, fmt.Errorf("resampler: write stdin: %w", err)
	}
	out, err := r.readAvailable()
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Seq: in.Seq, CaptureTs: in.CaptureTs, DurationMs: in.DurationMs, Payload: out}, nil
}

// pollExit reports, without blocking, whether the external process has
// already exited. A non-zero exit is fatal to the owning session.
func (r *Resampler) pollExit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exited {
		select {
		case err := <-r.waitCh:
			r.exited = true
			r.exitErr = err
		default:
			return nil
		}
	}
	if r.exitErr != nil {
		return fmt.Errorf("resampler: process exited: %w", r.exitErr)
	}
	return fmt.Errorf("resampler: process exited before session end")
}

// readAvailable drains whatever the reader goroutine has buffered without
// blocking for more than a short grace period, then realigns the result to
// an even number of bytes (whole PCM16 samples), carrying any odd trailing
// byte over to the next call.
func (r *Resampler) readAvailable() ([]byte, error) {
	select {
	case err := <-r.readErr:
		return nil, fmt.Errorf("resampler: read stdout: %w", err)
	default:
	}

	var out []byte
	grace := time.After(20 * time.Millisecond)
	waiting := true
	for waiting {
		select {
		case chunk, ok := <-r.outCh:
			if !ok {
				waiting = false
				break
			}
			out = append(out, chunk...)
			// Keep draining without waiting once something has arrived.
			for {
				select {
				case more, ok := <-r.outCh:
					if !ok {
						break
					}
					out = append(out, more...)
					continue
				default:
				}
				break
			}
			waiting = false
		case <-grace:
			// Nothing buffered yet; normal when the process is still accumulating.
			waiting = false
		}
	}

	if len(r.carry) > 0 {
		out = append(r.carry, out...)
		r.carry = nil
	}
	if len(out)%2 != 0 {
		r.carry = append(r.carry, out[len(out)-1])
		out = out[:len(out)-1]
	}
	return out, nil
}

// Close terminates the external process if one was started. It is safe to
// call Close on a Resampler that never spawned a process (Passthrough, or no
// Write was ever called).
func (r *Resampler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warnf("resampler: panic during close recovered: %v", rec)
		}
	}()

	_ = r.stdin.Close()
	if !r.exited {
		select {
		case err := <-r.waitCh:
			r.exited = true
			r.exitErr = err
		case <-time.After(2 * time.Second):
			r.log.Warnf("resampler: process did not exit within grace period, killing")
			if r.cmd.Process != nil {
				_ = r.cmd.Process.Kill()
			}
			r.exitErr = <-r.waitCh
			r.exited = true
		}
	}
	r.cancel()
	if r.exitErr != nil {
		r.log.Debugf("resampler: process exited: %v", r.exitErr)
	}
	return nil
}
