// Package chunker runs collection-shaped work in bounded groups so a long
// command never monopolizes the host's single cooperative thread. Groups run
// strictly in order; items inside a group may run concurrently. Between
// groups the engine yields for a short fixed delay, which is the whole point:
// that window is where the host gets to breathe.
package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/usecase/progress"
)

const (
	defaultChunkSize   = 10
	defaultYield       = 50 * time.Millisecond
	defaultConcurrency = 1
)

// Options tunes one chunked run.
type Options[T any] struct {
	ChunkSize   int           // items per group
	Yield       time.Duration // cooperative delay between groups
	Concurrency int           // max concurrent items within a group
	IDFor       func(T) string
}

// FromConfig builds options from host configuration.
func FromConfig[T any](cfg config.ChunkConfig, idFor func(T) string) Options[T] {
	return Options[T]{
		ChunkSize:   cfg.Size,
		Yield:       cfg.Yield,
		Concurrency: cfg.Concurrency,
		IDFor:       idFor,
	}
}

func (o Options[T]) withDefaults() Options[T] {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Yield < 0 {
		o.Yield = defaultYield
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	return o
}

// Run executes work for every item in bounded sequential groups and reports
// progress after each. A failing item is recorded in its ItemResult and
// never aborts the remaining items or groups; partial failure is a normal
// completion. Context cancellation is honored between groups and returns
// ctx.Err() with the results gathered so far.
func Run[T any](
	ctx context.Context,
	opts Options[T],
	rep *progress.Reporter,
	items []T,
	work func(ctx context.Context, item T) (json.RawMessage, error),
) ([]domain.ItemResult, error) {
	opts = opts.withDefaults()
	total := len(items)

	rep.Started(total, fmt.Sprintf("processing %d items", total))
	if total == 0 {
		rep.Completed(0, "no items to process", nil)
		return []domain.ItemResult{}, nil
	}

	totalChunks := (total + opts.ChunkSize - 1) / opts.ChunkSize
	results := make([]domain.ItemResult, total)
	processed := 0

	for chunk := 0; chunk < totalChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return results[:processed], err
		}

		start := chunk * opts.ChunkSize
		end := min(start+opts.ChunkSize, total)

		eg, groupCtx := errgroup.WithContext(ctx)
		eg.SetLimit(opts.Concurrency)
		for i, item := range items[start:end] {
			idx := start + i
			eg.Go(func() error {
				payload, err := work(groupCtx, item)
				id := itemID(opts.IDFor, item, idx)
				if err != nil {
					results[idx] = domain.ItemResult{ItemID: id, Error: err.Error()}
					return nil
				}
				results[idx] = domain.ItemResult{ItemID: id, Success: true, Payload: payload}
				return nil
			})
		}
		// Workers record failures per item instead of returning them.
		_ = eg.Wait()

		processed = end
		rep.Chunk(chunk+1, totalChunks, opts.ChunkSize, processed,
			fmt.Sprintf("chunk %d/%d", chunk+1, totalChunks))

		if chunk < totalChunks-1 && opts.Yield > 0 {
			select {
			case <-time.After(opts.Yield):
			case <-ctx.Done():
				return results[:processed], ctx.Err()
			}
		}
	}

	rep.Completed(total, fmt.Sprintf("processed %d items", total), nil)
	return results, nil
}

func itemID[T any](idFor func(T) string, item T, idx int) string {
	if idFor != nil {
		if id := idFor(item); id != "" {
			return id
		}
	}
	return strconv.Itoa(idx)
}
