// Package pipeline runs one extraction: it loads the persisted state into the
// source, streams the source's records into the destination, then writes
// the advanced state to the destination and back to the state store.
//
// # Basic Usage
//
//	p := pipeline.New(source, destination, store, logger)
//	stats, err := p.Run(ctx)
//
// A destination failure cancels the source and leaves the stored state
// untouched. Branch failures reported by the source still persist the
// watermarks of every partition that completed, and are returned afterwards.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/state"
)

// Stats summarizes a run
type Stats struct {
	Records    int64            `json:"records"`
	PerStream  map[string]int64 `json:"per_stream"`
	Partitions int              `json:"partitions"`
	StartTime  time.Time        `json:"start_time"`
	Duration   time.Duration    `json:"duration"`
	StateSaved bool             `json:"state_saved"`
}

// Pipeline connects one source to one destination
type Pipeline struct {
	source      core.Source
	destination core.Destination
	store       state.Store
	logger      *zap.Logger

	mu        sync.Mutex
	perStream map[string]int64
	records   int64
}

// New creates a pipeline. Both connectors must already be initialized.
func New(source core.Source, destination core.Destination, store state.Store, logger *zap.Logger) *Pipeline {
	if store == nil {
		store = state.NewMemoryStore()
	}
	return &Pipeline{
		source:      source,
		destination: destination,
		store:       store,
		logger:      logger.With(zap.String("component", "pipeline")),
		perStream:   make(map[string]int64),
	}
}

// Run executes the extraction and blocks until the destination has
// consumed every record
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	p.logger.Info("starting pipeline",
		zap.String("source", p.source.Name()),
		zap.String("destination", p.destination.Name()),
		zap.String("state", p.store.String()))

	prior, err := p.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.source.SetState(prior); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := p.source.Read(ctx)
	if err != nil {
		return nil, err
	}

	counted := p.count(stream)
	if err := p.destination.Write(ctx, counted); err != nil {
		cancel()
		for range counted.Records {
		}
		runErr := <-stream.Errors
		p.logger.Error("destination failed, state not saved", zap.Error(err))
		return p.stats(start, 0, false), errors.Join(
			errors.Wrap(err, errors.ErrorTypeInternal, "destination write failed"), runErr)
	}

	runErr := <-stream.Errors
	if runErr != nil && !errors.IsRunFatal(runErr) {
		p.logger.Warn("source finished with failed branches, saving completed partitions", zap.Error(runErr))
	}

	final := p.source.GetState()
	saveErr := p.persist(ctx, final)
	stats := p.stats(start, len(partitions(final)), saveErr == nil)

	p.logger.Info("pipeline finished",
		zap.Int64("records", stats.Records),
		zap.Int("partitions", stats.Partitions),
		zap.Duration("duration", stats.Duration),
		zap.Bool("state_saved", stats.StateSaved),
		zap.Bool("failed", runErr != nil || saveErr != nil))

	return stats, errors.Join(runErr, saveErr)
}

// count forwards records unchanged while tallying them per stream
func (p *Pipeline) count(in *core.RecordStream) *core.RecordStream {
	out := make(chan *core.Record, cap(in.Records))
	go func() {
		defer close(out)
		for rec := range in.Records {
			p.mu.Lock()
			p.records++
			p.perStream[rec.Stream]++
			p.mu.Unlock()
			out <- rec
		}
	}()
	return &core.RecordStream{Records: out, Errors: in.Errors}
}

// persist writes the state message and then the store. The store is written
// even when the destination rejects the state message.
func (p *Pipeline) persist(ctx context.Context, st *core.State) error {
	// the run context may be cancelled by a fatal error; saving still has to happen
	saveCtx := context.WithoutCancel(ctx)

	var errs []error
	if err := p.destination.WriteState(saveCtx, st); err != nil {
		errs = append(errs, err)
	}
	if err := p.store.Save(saveCtx, st); err != nil {
		errs = append(errs, err)
	} else {
		p.logger.Info("state saved", zap.String("store", p.store.String()))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) stats(start time.Time, parts int, saved bool) *Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	per := make(map[string]int64, len(p.perStream))
	for k, v := range p.perStream {
		per[k] = v
	}
	return &Stats{
		Records:    p.records,
		PerStream:  per,
		Partitions: parts,
		StartTime:  start,
		Duration:   time.Since(start),
		StateSaved: saved,
	}
}

func partitions(st *core.State) []string {
	if st == nil {
		return nil
	}
	var out []string
	for resource, marks := range st.Bookmarks {
		for key := range marks {
			out = append(out, resource+"/"+key)
		}
	}
	return out
}
