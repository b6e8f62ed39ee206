// Package processing takes care of the logistics around reading chunks from a Source,
// processing their items and writing them to a Target. Not the processing operation itself.
package processing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const DefaultChunkSize = 100

// Source reads page (0 based) of at most size items. A short or empty page ends the source.
type Source[T any] interface {
	ReadChunk(ctx context.Context, page, size int) ([]T, error)
}

// Target writes one processed chunk
type Target[T any] interface {
	WriteChunk(ctx context.Context, page int, items []T) error
}

// ProcessFunc converts one item; false skips it
type ProcessFunc[In, Out any] func(In) (Out, bool)

type chunk[T any] struct {
	page  int
	read  int
	items []T
}

// Progress is the state after a written chunk
type Progress struct {
	Chunks  int
	Read    int
	Written int
	Skipped int
	// Total is the expected number of items, 0 when unknown
	Total int
}

func (p Progress) String() string {
	of := ""
	if p.Total > 0 {
		of = fmt.Sprintf(" of %d", p.Total)
	}
	return fmt.Sprintf("%d%s read, %d written, %d skipped", p.Read, of, p.Written, p.Skipped)
}

type Options struct {
	ChunkSize int
	Total     int
	// OnProgress is called after every written chunk, from one goroutine at a time
	OnProgress func(Progress)
}

// readChunks reads pages from the source until a short page
func readChunks[T any](ctx context.Context, source Source[T], size int, chunks chan<- chunk[T]) error {
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := source.ReadChunk(ctx, page, size)
		if err != nil {
			return fmt.Errorf("reading chunk %d: %w", page, err)
		}
		if len(items) == 0 {
			return nil
		}
		select {
		case chunks <- chunk[T]{page: page, read: len(items), items: items}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(items) < size {
			return nil
		}
	}
}

// processChunks applies f to every item, keeping the chunk boundaries
func processChunks[In, Out any](ctx context.Context, in <-chan chunk[In], out chan<- chunk[Out], f ProcessFunc[In, Out]) error {
	for c := range in {
		processed := chunk[Out]{page: c.page, read: c.read, items: make([]Out, 0, len(c.items))}
		for _, item := range c.items {
			if o, keep := f(item); keep {
				processed.items = append(processed.items, o)
			}
		}
		select {
		case out <- processed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// writeChunks writes the processed chunks in order. Between chunks it reports progress
// and stops when the context is done.
func writeChunks[T any](ctx context.Context, in <-chan chunk[T], target Target[T], progress *Progress, onProgress func(Progress)) error {
	for c := range in {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := target.WriteChunk(ctx, c.page, c.items); err != nil {
			return fmt.Errorf("writing chunk %d: %w", c.page, err)
		}
		progress.Chunks++
		progress.Read += c.read
		progress.Written += len(c.items)
		progress.Skipped += c.read - len(c.items)
		if onProgress != nil {
			onProgress(*progress)
		}
	}
	return ctx.Err()
}

// ProcessChunks streams source through f into target: one goroutine reads, one processes
// and one writes, so the next chunk is read while the current one is written.
// The returned Progress covers the chunks written before an error or cancellation.
func ProcessChunks[In, Out any](ctx context.Context, source Source[In], target Target[Out], f ProcessFunc[In, Out], opts Options) (Progress, error) {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	progress := Progress{Total: opts.Total}
	read := make(chan chunk[In])
	processed := make(chan chunk[Out])

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(read)
		return readChunks(gctx, source, size, read)
	})
	g.Go(func() error {
		defer close(processed)
		return processChunks(gctx, read, processed, f)
	})
	g.Go(func() error {
		return writeChunks(gctx, processed, target, &progress, opts.OnProgress)
	})
	err := g.Wait()
	return progress, err
}
