package extract

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/metrics"
	"github.com/ajitpratap0/nebula-bc/pkg/observability"
)

const filterTimestampLayout = "2006-01-02T15:04:05Z"

// Fetcher performs one logical GET, retries included
type Fetcher interface {
	GetJSON(ctx context.Context, endpoint string, params url.Values) (map[string]interface{}, error)
}

// EmitFunc receives every record in emission order. A returned error aborts the run.
type EmitFunc func(ctx context.Context, record *core.Record) error

// Engine traverses a StreamGraph and emits its records
type Engine struct {
	graph      *StreamGraph
	fetcher    Fetcher
	watermarks *WatermarkStore
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	startDate     time.Time
	reportPeriods int
}

// Option customizes an Engine
type Option func(*Engine)

// WithStartDate sets the lower bound used by partitions without a watermark
func WithStartDate(t time.Time) Option {
	return func(e *Engine) { e.startDate = t.UTC() }
}

// WithReportPeriods sets how many monthly periods lookback resources reprocess
func WithReportPeriods(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.reportPeriods = n
		}
	}
}

// WithWatermarks shares a store, typically loaded from persisted state
func WithWatermarks(s *WatermarkStore) Option {
	return func(e *Engine) { e.watermarks = s }
}

// WithMetrics records pages, emissions, drops and branch failures on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over graph
func NewEngine(graph *StreamGraph, fetcher Fetcher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		graph:         graph,
		fetcher:       fetcher,
		watermarks:    NewWatermarkStore(),
		logger:        logger.With(zap.String("component", "extract")),
		now:           time.Now,
		reportPeriods: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Watermarks returns the store the engine commits to
func (e *Engine) Watermarks() *WatermarkStore {
	return e.watermarks
}

// Run traverses every active root in declaration order. A failure below the
// root is logged and counted and its siblings continue; Run then returns the
// joined branch failures after the traversal. Configuration, authentication
// and pagination failures, cancellation, emit errors and root failures abort
// immediately.
func (e *Engine) Run(ctx context.Context, emit EmitFunc) error {
	r := &run{
		Engine: e,
		emit:   emit,
		dedupe: make(map[string]map[string]bool),
	}

	for _, root := range e.graph.Roots() {
		if !e.graph.Active(root.Name) {
			continue
		}
		if err := r.syncNode(ctx, root, RequestContext{}); err != nil {
			return errors.Join(append(r.failures, err)...)
		}
	}

	if len(r.failures) > 0 {
		e.logger.Error("extraction finished with failed branches", zap.Int("failures", len(r.failures)))
		return errors.Join(r.failures...)
	}
	return nil
}

// abortError carries an emit failure through the traversal untouched by the
// branch failure policy
type abortError struct {
	err error
}

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

func isFatal(err error) bool {
	var abort *abortError
	return errors.IsRunFatal(err) || errors.As(err, &abort)
}

// run is the state of one traversal
type run struct {
	*Engine
	emit     EmitFunc
	failures []error
	dedupe   map[string]map[string]bool
	// passes holds the page loops in flight, outermost first
	passes []*pass
}

// pass is one page loop of a node for one partition
type pass struct {
	node      *ResourceNode
	ctx       RequestContext
	filter    string
	lower     *time.Time
	maxValue  string
	maxTime   time.Time
	branchErr bool
}

func (r *run) syncNode(ctx context.Context, node *ResourceNode, rc RequestContext) (err error) {
	ctx, span := observability.StartSpan(ctx, "extract.sync_node")
	span.SetAttribute("resource", node.Name)
	span.SetAttribute("context", rc.PartitionKey())
	defer func() {
		span.Finish(err)
		err = annotate(err, node, rc)
	}()

	logger := r.logger.With(zap.String("resource", node.Name), zap.String("context", rc.PartitionKey()))

	if node.Window != nil {
		start := r.startDate
		if start.IsZero() {
			start = r.now()
		}
		for _, w := range YearWindows(start, r.now()) {
			logger.Debug("syncing window", zap.Int("year", w.Year))
			p := &pass{node: node, ctx: rc, filter: w.Filter(node.Window.Field)}
			if err := r.runPass(ctx, p, logger); err != nil {
				return err
			}
		}
		return nil
	}

	p := &pass{node: node, ctx: rc, lower: r.lowerBound(node, rc)}
	if err := r.runPass(ctx, p, logger); err != nil {
		return err
	}

	if node.IncrementalField != "" && node.Selected && !p.branchErr && p.maxValue != "" {
		if r.watermarks.Advance(node.Name, rc.PartitionKey(), p.maxValue) {
			logger.Debug("watermark advanced", zap.String("value", p.maxValue))
		}
	}
	return nil
}

// runPass keeps p on the stack of open passes while its page loop runs, so a
// failure anywhere below marks every enclosing pass.
func (r *run) runPass(ctx context.Context, p *pass, logger *zap.Logger) error {
	r.passes = append(r.passes, p)
	defer func() { r.passes = r.passes[:len(r.passes)-1] }()
	return r.pageLoop(ctx, p, logger)
}

// lowerBound is the partition watermark, else the start date. Lookback nodes
// with a watermark reach back to the day before the first reporting period.
func (r *run) lowerBound(node *ResourceNode, rc RequestContext) *time.Time {
	if node.IncrementalField == "" {
		return nil
	}

	if mark, ok := r.watermarks.Get(node.Name, rc.PartitionKey()); ok {
		if t, err := ParseTimestamp(mark); err == nil {
			if node.Lookback {
				if lb := r.lookbackDate(); lb.Before(t) {
					t = lb
				}
			}
			return &t
		}
		r.logger.Warn("ignoring unparseable watermark",
			zap.String("resource", node.Name),
			zap.String("value", mark))
	}

	if r.startDate.IsZero() {
		return nil
	}
	t := r.startDate
	return &t
}

func (r *run) lookbackDate() time.Time {
	now := r.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -(r.reportPeriods - 1), -1)
}

func (r *run) baseParams(p *pass) (url.Values, error) {
	node := p.node
	params := url.Values{}

	var filters []string
	if p.lower != nil {
		layout := filterTimestampLayout
		if node.DateOnly {
			layout = dateLayout
		}
		filters = append(filters, node.IncrementalField+" gt "+p.lower.Format(layout))
	}
	if node.FilterTemplate != "" {
		f, err := ExpandFilter(node.FilterTemplate, p.ctx)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	if p.filter != "" {
		filters = append(filters, p.filter)
	}
	if len(filters) > 0 {
		params.Set("$filter", strings.Join(filters, " and "))
	}
	if node.Expand != "" {
		params.Set("$expand", node.Expand)
	}
	for k, v := range node.Params {
		params.Set(k, v)
	}
	return params, nil
}

func (r *run) pageLoop(ctx context.Context, p *pass, logger *zap.Logger) error {
	node := p.node
	path, err := ExpandPath(node.PathTemplate, p.ctx)
	if err != nil {
		return err
	}
	endpoint := node.BaseURL + path

	base, err := r.baseParams(p)
	if err != nil {
		return err
	}
	pager, err := PagerFor(node.Pagination)
	if err != nil {
		return err
	}
	tracker := NewCursorTracker()

	for page := 1; ; page++ {
		params := cloneValues(base)
		pager.Apply(params, tracker.Current())

		timer := metrics.NewTimer(node.Name)
		body, err := r.fetcher.GetJSON(ctx, endpoint, params)
		if err != nil && node.rejectsExpansion(err) {
			body, err = r.expandFallback(ctx, p, endpoint, params, err, logger)
		}
		if err != nil {
			if node.Optional && errors.HasType(err, errors.ErrorTypeNotFound) {
				logger.Info("optional resource not available, skipping", zap.Error(err))
				return nil
			}
			return err
		}
		r.metrics.ObservePage(timer.Name(), timer.Stop())

		records, err := extractRecords(body, node.recordsPointer())
		if err != nil {
			return err
		}
		logger.Debug("page fetched", zap.Int("page", page), zap.Int("records", len(records)))

		for _, rec := range records {
			if err := r.processRecord(ctx, p, rec, logger); err != nil {
				return err
			}
		}

		next, err := pager.Next(body, tracker.Current())
		if err != nil {
			return err
		}
		if err := tracker.Advance(next); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
	}
}

func (r *run) processRecord(ctx context.Context, p *pass, rec map[string]interface{}, logger *zap.Logger) error {
	node := p.node

	var recTime time.Time
	var recValue string
	if node.IncrementalField != "" && node.Window == nil {
		raw, ok := rec[node.IncrementalField]
		if !ok || raw == nil {
			if p.lower != nil {
				r.drop(node, "missing_incremental", logger.Warn)
				return nil
			}
		} else {
			recValue = stringValue(raw)
			t, err := ParseTimestamp(recValue)
			if err != nil {
				r.drop(node, "invalid_incremental", logger.Warn, zap.String("value", recValue))
				return nil
			}
			if p.lower != nil && !t.After(*p.lower) {
				r.drop(node, "not_after_watermark", logger.Debug, zap.String("value", recValue))
				return nil
			}
			recTime = t
		}
	}

	if !node.hasPrimaryKey(rec) {
		r.drop(node, "missing_primary_key", logger.Warn, zap.Strings("primary_keys", node.PrimaryKeys))
		return nil
	}
	if node.RecordFilter != nil && !node.RecordFilter(rec) {
		r.drop(node, "filtered", logger.Debug)
		return nil
	}

	if node.Selected {
		data := make(map[string]interface{}, len(rec)+p.ctx.Len())
		for k, v := range rec {
			data[k] = v
		}
		for k, v := range p.ctx.Fields() {
			data[k] = v
		}
		node.normalizeDates(data)
		if err := r.emit(ctx, core.NewRecord(node.Name, data, r.now())); err != nil {
			return &abortError{err: err}
		}
		r.metrics.RecordEmitted(node.Name)
	}

	if recValue != "" && recTime.After(p.maxTime) {
		p.maxTime = recTime
		p.maxValue = recValue
	}

	return r.descend(ctx, p, rec, logger)
}

func (r *run) drop(node *ResourceNode, reason string, log func(string, ...zap.Field), fields ...zap.Field) {
	r.metrics.RecordDropped(node.Name, reason)
	log("record dropped", append(fields, zap.String("reason", reason))...)
}

// descend visits the active children of one record
func (r *run) descend(ctx context.Context, p *pass, rec map[string]interface{}, logger *zap.Logger) error {
	node := p.node
	var children []*ResourceNode
	for _, c := range r.graph.Children(node.Name) {
		if r.graph.Active(c.Name) {
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return nil
	}

	childCtx, err := node.ChildContextFor(rec, p.ctx)
	if err != nil {
		for _, c := range children {
			r.fail(c, p.ctx, err)
		}
		return nil
	}

	if node.Gate != "" {
		ok, err := r.probe(ctx, node, childCtx, logger)
		if err != nil {
			if isFatal(err) {
				return err
			}
			for _, c := range children {
				r.fail(c, childCtx, err)
			}
			return nil
		}
		if !ok {
			return nil
		}
	}

	for _, child := range children {
		if child.DedupeKey != "" {
			value, _ := childCtx.Get(child.DedupeKey)
			if r.dedupe[child.Name] == nil {
				r.dedupe[child.Name] = make(map[string]bool)
			}
			if r.dedupe[child.Name][value] {
				continue
			}
			r.dedupe[child.Name][value] = true
		}

		if err := r.syncNode(ctx, child, childCtx); err != nil {
			if isFatal(err) {
				return err
			}
			r.fail(child, childCtx, err)
		}
	}
	return nil
}

// probe checks that the derived context is accessible. Not found and other
// API rejections skip the children without failing the branch.
func (r *run) probe(ctx context.Context, node *ResourceNode, childCtx RequestContext, logger *zap.Logger) (bool, error) {
	path, err := ExpandPath(node.Gate, childCtx)
	if err != nil {
		return false, err
	}
	_, err = r.fetcher.GetJSON(ctx, node.BaseURL+path, nil)
	if err == nil {
		return true, nil
	}
	if errors.IsType(err, errors.ErrorTypeNotFound) || errors.IsType(err, errors.ErrorTypeAPI) {
		logger.Warn("access probe rejected, skipping children",
			zap.String("child_context", childCtx.PartitionKey()),
			zap.Error(err))
		return false, nil
	}
	return false, err
}

// fail records a branch failure and marks every open pass, so no ancestor
// commits a watermark past records whose subtree is incomplete.
func (r *run) fail(child *ResourceNode, rc RequestContext, err error) {
	for _, p := range r.passes {
		p.branchErr = true
	}
	err = annotate(err, child, rc)
	r.failures = append(r.failures, err)
	r.metrics.RecordBranchFailure(child.Name)
	r.logger.Error("branch failed, continuing with siblings",
		zap.String("resource", child.Name),
		zap.String("context", rc.PartitionKey()),
		zap.Error(err))
}

// annotate attaches resource and context details once, at the node the error leaves
func annotate(err error, node *ResourceNode, rc RequestContext) error {
	if err == nil {
		return nil
	}
	var typed *errors.Error
	if errors.As(err, &typed) {
		if _, done := typed.Details["resource"]; done {
			return err
		}
	}

	errType := errors.ErrorTypeInternal
	if typed != nil {
		errType = typed.Type
	}
	return errors.Wrap(err, errType, "sync failed").
		WithDetail("resource", node.Name).
		WithDetail("context", rc.PartitionKey())
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
