// Package pproc runs a function over the records of a stream with a fixed
// number of workers. Records are lines by default.
package pproc

import (
	"bufio"
	"context"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	initialBufferSize   = 1 << 16
	defaultMaxTokenSize = 1 << 24
)

// ProcessFunc transforms a single record. A nil result writes nothing.
type ProcessFunc func(ctx context.Context, record []byte) ([]byte, error)

// ErrorFunc decides what happens with a failed record. Returning nil skips
// the record, returning an error stops processing.
type ErrorFunc func(record []byte, err error) error

// Option configures a Processor.
type Option func(*Processor)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMaxTokenSize limits the size of a single record.
func WithMaxTokenSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.maxTokenSize = size
		}
	}
}

// WithSplitFunc sets the function delineating records.
func WithSplitFunc(f bufio.SplitFunc) Option {
	return func(p *Processor) {
		p.split = f
	}
}

// WithErrorFunc sets the handler for failed records.
func WithErrorFunc(f ErrorFunc) Option {
	return func(p *Processor) {
		p.onError = f
	}
}

// WithOrdered writes results in input order. Otherwise results are
// written as soon as they are ready.
func WithOrdered() Option {
	return func(p *Processor) {
		p.ordered = true
	}
}

// Processor handles parallel processing of records.
type Processor struct {
	f            ProcessFunc
	split        bufio.SplitFunc
	onError      ErrorFunc
	workers      int
	maxTokenSize int
	ordered      bool
}

// NewProcessor returns a processor that splits on lines and stops at the
// first error.
func NewProcessor(f ProcessFunc, opts ...Option) *Processor {
	p := &Processor{
		f:            f,
		split:        bufio.ScanLines,
		workers:      runtime.NumCPU(),
		maxTokenSize: defaultMaxTokenSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// job is a record with its position in the input.
type job struct {
	seq  int
	data []byte
}

// Process reads records from r, processes them in parallel and writes
// results to w. Empty records are skipped.
func (p *Processor) Process(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		g, gctx = errgroup.WithContext(ctx)
		jobs    = make(chan job, p.workers*2)
		results = make(chan job, p.workers*2)
		wg      sync.WaitGroup
	)
	g.Go(func() error {
		defer close(jobs)
		return p.read(gctx, r, jobs)
	})
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return p.work(gctx, jobs, results)
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	g.Go(func() error {
		return p.write(w, results)
	})
	return g.Wait()
}

func (p *Processor) read(ctx context.Context, r io.Reader, jobs chan<- job) error {
	scanner := bufio.NewScanner(r)
	scanner.Split(p.split)
	scanner.Buffer(make([]byte, 0, min(initialBufferSize, p.maxTokenSize)), p.maxTokenSize)
	seq := 0
	for scanner.Scan() {
		token := scanner.Bytes()
		if len(token) == 0 {
			continue
		}
		data := make([]byte, len(token))
		copy(data, token)
		select {
		case jobs <- job{seq: seq, data: data}:
			seq++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// work sends a result for every job, nil for skipped records, so ordered
// output can advance.
func (p *Processor) work(ctx context.Context, jobs <-chan job, results chan<- job) error {
	for j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := p.f(ctx, j.data)
		if err != nil {
			if p.onError == nil {
				return err
			}
			if err := p.onError(j.data, err); err != nil {
				return err
			}
			out = nil
		}
		select {
		case results <- job{seq: j.seq, data: out}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Processor) write(w io.Writer, results <-chan job) error {
	var (
		bw      = bufio.NewWriter(w)
		pending = make(map[int][]byte)
		next    int
		werr    error
	)
	emit := func(b []byte) {
		if werr == nil && b != nil {
			_, werr = bw.Write(b)
		}
	}
	// Keep draining after a write error, so workers do not block.
	for res := range results {
		if !p.ordered {
			emit(res.data)
			continue
		}
		pending[res.seq] = res.data
		for {
			b, ok := pending[next]
			if !ok {
				break
			}
			emit(b)
			delete(pending, next)
			next++
		}
	}
	if werr != nil {
		return werr
	}
	return bw.Flush()
}
