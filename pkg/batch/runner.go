package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/menta2k/plate-redactor/pkg/pipeline"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// DefaultDelay is the pause between processed items
const DefaultDelay = 200 * time.Millisecond

// Processor runs a single image. *pipeline.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, img types.ImageBuffer, opts pipeline.Options) (pipeline.Result, error)
}

// Config holds configuration for the runner
type Config struct {
	// Delay between processed items; with Concurrency > 1 it spaces item starts
	Delay time.Duration `json:"delay"`
	// Concurrency bounds in-flight items; 0 or 1 runs sequentially
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns the sequential configuration
func DefaultConfig() Config {
	return Config{Delay: DefaultDelay, Concurrency: 1}
}

// Item is one image of a batch
type Item struct {
	Name  string
	Image types.ImageBuffer
	// Load, when set, reads the image just before processing instead of Image
	Load    func() (types.ImageBuffer, error)
	Options pipeline.Options
	// Skip marks an item that was already processed
	Skip bool
}

// Progress counts finished items
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent returns progress rounded to whole percent
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return (p.Completed*100 + p.Total/2) / p.Total
}

// ItemResult is the outcome of one item
type ItemResult struct {
	Index     int
	Name      string
	Result    pipeline.Result
	Err       error
	Skipped   bool
	Abandoned bool
	Progress  Progress
}

// Summary is the outcome of a whole batch, ordered by item index
type Summary struct {
	Results   []ItemResult
	Succeeded int
	Failed    int
	Skipped   int
	Abandoned int
	Cancelled bool
	Duration  time.Duration
}

// Runner processes items one after another, isolating failures
type Runner struct {
	processor Processor
	config    Config
	logger    *slog.Logger
}

// NewRunner creates a runner over p
func NewRunner(p Processor, config Config, logger *slog.Logger) *Runner {
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{processor: p, config: config, logger: logger}
}

// Run processes items and calls onItem after each finished or skipped item,
// never concurrently, with monotonically increasing progress. On
// cancellation in-flight items finish, the rest are marked abandoned and
// the partial summary is returned.
func (r *Runner) Run(ctx context.Context, items []Item, onItem func(ItemResult)) Summary {
	start := time.Now()
	t := &tracker{
		results: make([]ItemResult, len(items)),
		done:    make([]bool, len(items)),
		total:   len(items),
		onItem:  onItem,
	}

	r.logger.Info("batch started", "items", len(items), "concurrency", r.config.Concurrency, "delay", r.config.Delay)

	if r.config.Concurrency > 1 {
		r.runConcurrent(ctx, items, t)
	} else {
		r.runSequential(ctx, items, t)
	}

	summary := t.summary(items)
	summary.Cancelled = ctx.Err() != nil && summary.Abandoned > 0
	summary.Duration = time.Since(start)

	r.logger.Info("batch finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"abandoned", summary.Abandoned,
		"duration", summary.Duration,
	)
	return summary
}

func (r *Runner) runSequential(ctx context.Context, items []Item, t *tracker) {
	for i, item := range items {
		if ctx.Err() != nil {
			return
		}
		if item.Skip {
			t.finish(ItemResult{Index: i, Name: item.Name, Skipped: true})
			continue
		}

		t.finish(r.process(ctx, i, item))

		if i < len(items)-1 && r.config.Delay > 0 {
			timer := time.NewTimer(r.config.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (r *Runner) runConcurrent(ctx context.Context, items []Item, t *tracker) {
	limit := rate.Inf
	if r.config.Delay > 0 {
		limit = rate.Every(r.config.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Skip {
			t.finish(ItemResult{Index: i, Name: item.Name, Skipped: true})
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		g.Go(func() error {
			// g.Go blocks while the limit is full; a slot freed after
			// cancellation must not start a new item
			if ctx.Err() != nil {
				return nil
			}
			t.finish(r.process(ctx, i, item))
			return nil
		})
	}
	g.Wait()
}

// process runs one item; a started item is not interrupted by cancellation
func (r *Runner) process(ctx context.Context, index int, item Item) ItemResult {
	res := ItemResult{Index: index, Name: item.Name}

	img := item.Image
	if item.Load != nil {
		loaded, err := item.Load()
		if err != nil {
			r.logger.Error("batch item failed to load", "index", index, "name", item.Name, "error", err)
			res.Err = &types.BatchItemError{Index: index, Err: err}
			return res
		}
		img = loaded
	}

	out, err := r.processor.Process(context.WithoutCancel(ctx), img, item.Options)
	if err != nil {
		r.logger.Error("batch item failed", "index", index, "name", item.Name, "error", err)
		res.Err = &types.BatchItemError{Index: index, Err: err}
		return res
	}
	res.Result = out
	return res
}

// tracker serializes progress reporting
type tracker struct {
	mu        sync.Mutex
	results   []ItemResult
	done      []bool
	completed int
	total     int
	onItem    func(ItemResult)
}

func (t *tracker) finish(res ItemResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	res.Progress = Progress{Completed: t.completed, Total: t.total}
	t.results[res.Index] = res
	t.done[res.Index] = true
	if t.onItem != nil {
		t.onItem(res)
	}
}

func (t *tracker) summary(items []Item) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{Results: t.results}
	for i := range t.results {
		if !t.done[i] {
			t.results[i] = ItemResult{Index: i, Name: items[i].Name, Abandoned: true, Progress: Progress{Completed: t.completed, Total: t.total}}
			s.Abandoned++
			continue
		}
		switch res := t.results[i]; {
		case res.Skipped:
			s.Skipped++
		case res.Err != nil:
			s.Failed++
		default:
			s.Succeeded++
		}
	}
	return s
}
