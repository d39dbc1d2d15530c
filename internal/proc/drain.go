package proc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

const (
	defaultChunkSize  = 8 * 1024
	defaultByteCap    = 8 * 1024 * 1024
	drainerChannelCap = 64
)

// Stream tags for Chunk.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Chunk is one bounded unit of process output.
type Chunk struct {
	Stream string
	Data   []byte
	Seq    uint64
	// Summary marks the single chunk emitted in place of everything past
	// the cumulative byte cap.
	Summary bool
	Omitted int64
}

// Drainer reads a process's stdout and stderr concurrently in fixed-size
// chunks. Both pipes are read from the moment Drain is called. Reading them
// one after the other is the classic deadlock: the process blocks writing to
// whichever pipe isn't being read once the OS buffer fills.
type Drainer struct {
	chunkSize int
	byteCap   int64

	total     atomic.Int64
	seq       atomic.Uint64
	truncated atomic.Bool
}

// NewDrainer creates a drainer with the given read chunk size and cumulative
// per-execution byte cap. Zero values select the defaults (8 KiB, 8 MiB).
func NewDrainer(chunkSize int, byteCap int64) *Drainer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if byteCap <= 0 {
		byteCap = defaultByteCap
	}
	return &Drainer{chunkSize: chunkSize, byteCap: byteCap}
}

// Drain starts both readers and returns the merged chunk channel. Chunks
// from one stream arrive in read order; the two streams interleave with no
// cross-stream ordering guarantee. The channel is closed once both pipes hit
// EOF.
//
// Cancelling ctx stops forwarding promptly but the readers keep reading and
// discarding until EOF, so a cancelled process can never wedge itself on a
// full pipe. Chunks already forwarded are the caller's partial output.
func (d *Drainer) Drain(ctx context.Context, h *Handle) <-chan Chunk {
	out := make(chan Chunk, drainerChannelCap)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.readLoop(ctx, StreamStdout, h.Stdout(), out)
	}()
	go func() {
		defer wg.Done()
		d.readLoop(ctx, StreamStderr, h.Stderr(), out)
	}()

	go func() {
		wg.Wait()
		if d.truncated.Load() && ctx.Err() == nil {
			omitted := d.total.Load() - d.byteCap
			select {
			case out <- Chunk{
				Stream:  StreamStdout,
				Seq:     d.seq.Add(1),
				Summary: true,
				Omitted: omitted,
			}:
			case <-ctx.Done():
			}
		}
		close(out)
	}()

	return out
}

func (d *Drainer) readLoop(ctx context.Context, stream string, r io.Reader, out chan<- Chunk) {
	buf := make([]byte, d.chunkSize)
	forwarding := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			keep := d.retain(n)
			if forwarding && keep > 0 {
				data := make([]byte, keep)
				copy(data, buf[:keep])
				select {
				case out <- Chunk{Stream: stream, Data: data, Seq: d.seq.Add(1)}:
				case <-ctx.Done():
					// Stop forwarding but keep reading: the pipe must stay
					// drained or the dying process blocks on a full buffer.
					forwarding = false
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// retain accounts n read bytes against the cumulative cap and returns how
// many of them may be forwarded. Bytes past the cap are read and discarded,
// never buffered.
func (d *Drainer) retain(n int) int {
	newTotal := d.total.Add(int64(n))
	prev := newTotal - int64(n)
	if prev >= d.byteCap {
		d.truncated.Store(true)
		return 0
	}
	if newTotal > d.byteCap {
		d.truncated.Store(true)
		return int(d.byteCap - prev)
	}
	return n
}

// Truncated reports whether the cumulative cap was exceeded.
func (d *Drainer) Truncated() bool { return d.truncated.Load() }

// OmittedBytes returns how many bytes were read but not forwarded.
func (d *Drainer) OmittedBytes() int64 {
	if !d.truncated.Load() {
		return 0
	}
	return d.total.Load() - d.byteCap
}

// TotalBytes returns the cumulative bytes read across both streams.
func (d *Drainer) TotalBytes() int64 { return d.total.Load() }
