package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/core"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
)

const testBase = "https://bc.test/api"

// fakeFetcher serves canned JSON bodies keyed by endpoint and encoded query
type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string]string
	errs   map[string]error
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{routes: map[string]string{}, errs: map[string]error{}}
}

func routeKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

func (f *fakeFetcher) on(path string, params url.Values, body string) {
	f.routes[routeKey(testBase+path, params)] = body
}

func (f *fakeFetcher) fail(path string, params url.Values, err error) {
	f.errs[routeKey(testBase+path, params)] = err
}

func (f *fakeFetcher) GetJSON(_ context.Context, endpoint string, params url.Values) (map[string]interface{}, error) {
	key := routeKey(endpoint, params)

	f.mu.Lock()
	f.calls = append(f.calls, key)
	body, ok := f.routes[key]
	err := f.errs[key]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "GET returned 404").WithDetail("url", key)
	}
	var out map[string]interface{}
	if err := jsonpool.Unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeFetcher) callCount(path string, params url.Values) int {
	key := routeKey(testBase+path, params)
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func q(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

type collector struct {
	records []*core.Record
}

func (c *collector) emit(_ context.Context, r *core.Record) error {
	c.records = append(c.records, r)
	return nil
}

// trail renders emitted records as stream:id
func (c *collector) trail() []string {
	out := make([]string, 0, len(c.records))
	for _, r := range c.records {
		id := r.Data["id"]
		if id == nil {
			id = r.Data["number"]
		}
		out = append(out, fmt.Sprintf("%s:%v", r.Stream, id))
	}
	return out
}

var fixedNow = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, nodes []*ResourceNode, f Fetcher, opts ...Option) *Engine {
	for _, n := range nodes {
		n.BaseURL = testBase
	}
	g, err := NewGraph(nodes)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(g, f, zaptest.NewLogger(t), opts...)
}

func rootNode(pagination PaginationKind) *ResourceNode {
	return &ResourceNode{
		Name:         "companies",
		PathTemplate: "/companies",
		PrimaryKeys:  []string{"id"},
		Pagination:   pagination,
		ChildContext: ContextSpec{
			{Key: "company_id", Field: "id"},
			{Key: "company_name", Field: "name"},
		},
		Selected: true,
	}
}

func childNode(name, path string) *ResourceNode {
	return &ResourceNode{
		Name:         name,
		Parent:       "companies",
		PathTemplate: path,
		PrimaryKeys:  []string{"id"},
		Selected:     true,
	}
}

func TestRunEmitsParentsFollowedByChildren(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"CRONUS"}],"next_page":"p1"}`)
	f.on("/companies", q("page", "p1"), `{"value":[{"id":"c2","name":"Fabrikam"}]}`)
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"},{"id":"i2"}]}`)
	f.on("/companies(c2)/items", nil, `{"value":[{"id":"i3"}]}`)

	var c collector
	e := newTestEngine(t, []*ResourceNode{
		rootNode(PaginationOffset),
		childNode("items", "/companies({company_id})/items"),
	}, f)

	require.NoError(t, e.Run(context.Background(), c.emit))

	want := []string{
		"companies:c1",
		"items:i1",
		"items:i2",
		"companies:c2",
		"items:i3",
	}
	if diff := cmp.Diff(want, c.trail()); diff != "" {
		t.Errorf("emission order mismatch (-want +got):\n%s", diff)
	}

	// inbound context is merged into child records
	assert.Equal(t, "c1", c.records[1].Data["company_id"])
	assert.Equal(t, "CRONUS", c.records[1].Data["company_name"])
	assert.NotContains(t, c.records[0].Data, "company_id")
	assert.Equal(t, fixedNow, c.records[0].ExtractedAt)
}

func TestRunCursorLinkPagination(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}],
		"@odata.nextLink":"https://bc.test/api/companies?aid=FIN&$skiptoken=t1"}`)
	f.on("/companies", q("aid", "FIN", "$skiptoken", "t1"), `{"value":[{"id":"c2","name":"B"}]}`)

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationCursorLink)}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c1", "companies:c2"}, c.trail())
}

func TestRunRepeatedCursorIsFatal(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}],"next_page":"p1"}`)
	f.on("/companies", q("page", "p1"), `{"value":[{"id":"c2","name":"B"}],"next_page":"p1"}`)

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationOffset)}, f)
	err := e.Run(context.Background(), c.emit)

	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypePagination))
	assert.True(t, errors.IsRunFatal(err))
	assert.Equal(t, 1, f.callCount("/companies", q("page", "p1")))
}

func TestRunRepeatedCursorInChildAbortsRun(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"}],"next_page":"x"}`)
	f.on("/companies(c1)/items", q("page", "x"), `{"value":[],"next_page":"x"}`)

	items := childNode("items", "/companies({company_id})/items")
	items.Pagination = PaginationOffset

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), items}, f)
	err := e.Run(context.Background(), c.emit)

	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypePagination))
	// c2 is never visited
	assert.Equal(t, []string{"companies:c1", "items:i1"}, c.trail())
}

func TestRunIncrementalFilterAndWatermark(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/items", q("$filter", "lastModifiedDateTime gt 2024-03-01T00:00:00Z"), `{"value":[
		{"id":"old","lastModifiedDateTime":"2024-03-01T00:00:00Z"},
		{"id":"i1","lastModifiedDateTime":"2024-03-02T10:00:00.5Z"},
		{"id":"i2","lastModifiedDateTime":"2024-03-05T08:00:00Z"},
		{"id":"i3","lastModifiedDateTime":"2024-03-04T08:00:00Z"}]}`)
	f.on("/companies(c2)/items", q("$filter", "lastModifiedDateTime gt 2024-01-01T00:00:00Z"), `{"value":[
		{"id":"i4","lastModifiedDateTime":"2024-01-02T00:00:00Z"}]}`)

	items := childNode("items", "/companies({company_id})/items")
	items.IncrementalField = "lastModifiedDateTime"

	store := NewWatermarkStore()
	store.Advance("items", "company_id=c1;company_name=A", "2024-03-01T00:00:00Z")

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), items}, f,
		WithStartDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		WithWatermarks(store))
	require.NoError(t, e.Run(context.Background(), c.emit))

	assert.Equal(t, []string{"companies:c1", "items:i1", "items:i2", "items:i3", "companies:c2", "items:i4"}, c.trail())

	v, _ := store.Get("items", "company_id=c1;company_name=A")
	assert.Equal(t, "2024-03-05T08:00:00Z", v)
	v, _ = store.Get("items", "company_id=c2;company_name=B")
	assert.Equal(t, "2024-01-02T00:00:00Z", v)

	for _, r := range c.records {
		if r.Stream != "items" {
			continue
		}
		ts, err := ParseTimestamp(r.Data["lastModifiedDateTime"].(string))
		require.NoError(t, err)
		assert.True(t, ts.After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
}

func TestRunLookbackReprocessesRecentPeriods(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/generalLedgerEntries", q("$filter", "postingDate gt 2024-12-31"), `{"value":[
		{"id":"g1","postingDate":"2025-01-01"},
		{"id":"g2","postingDate":"2025-03-07"}]}`)

	gl := childNode("general_ledger_entries", "/companies({company_id})/generalLedgerEntries")
	gl.IncrementalField = "postingDate"
	gl.DateOnly = true
	gl.Lookback = true

	store := NewWatermarkStore()
	store.Advance("general_ledger_entries", "company_id=c1;company_name=A", "2025-03-05")

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), gl}, f,
		WithStartDate(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
		WithReportPeriods(3),
		WithWatermarks(store))
	require.NoError(t, e.Run(context.Background(), c.emit))

	assert.Equal(t, []string{"companies:c1", "general_ledger_entries:g1", "general_ledger_entries:g2"}, c.trail())
	v, _ := store.Get("general_ledger_entries", "company_id=c1;company_name=A")
	assert.Equal(t, "2025-03-07", v)
}

func TestRunYearWindows(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	for _, filter := range []string{
		"dateFilter ge 2023-01-01 and dateFilter le 2023-12-31",
		"dateFilter ge 2024-01-01 and dateFilter le 2024-12-31",
		"dateFilter ge 2025-01-01 and dateFilter le 2025-03-10",
	} {
		year := filter[14:18]
		f.on("/companies(c1)/trialBalances", q("$filter", filter),
			fmt.Sprintf(`{"value":[{"number":"1000-%s"}]}`, year))
	}

	tb := childNode("trial_balance", "/companies({company_id})/trialBalances")
	tb.PrimaryKeys = []string{"number"}
	tb.Window = &WindowSpec{Field: "dateFilter"}

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), tb}, f,
		WithStartDate(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, e.Run(context.Background(), c.emit))

	assert.Equal(t, []string{
		"companies:c1",
		"trial_balance:1000-2023",
		"trial_balance:1000-2024",
		"trial_balance:1000-2025",
	}, c.trail())
	assert.Empty(t, e.Watermarks().Snapshot()["trial_balance"])
}

func TestRunOptionalNotFoundContinues(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/vendors", nil, `{"value":[{"id":"v1"}]}`)

	dims := childNode("gl_entries_dimensions", "/companies({company_id})/dimensionSetLines")
	dims.Optional = true

	var c collector
	e := newTestEngine(t, []*ResourceNode{
		rootNode(PaginationNone),
		dims,
		childNode("vendors", "/companies({company_id})/vendors"),
	}, f)

	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c1", "vendors:v1"}, c.trail())
}

func TestRunBranchFailureContinuesSiblings(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[
		{"id":"c1","name":"A","lastModifiedDateTime":"2024-02-01T00:00:00Z"},
		{"id":"c2","name":"B","lastModifiedDateTime":"2024-02-02T00:00:00Z"}]}`)
	f.on("/companies(c1)/vendors", nil, `{"value":[{"id":"v1"}]}`)
	f.on("/companies(c2)/items", nil, `{"value":[{"id":"i2"}]}`)
	f.on("/companies(c2)/vendors", nil, `{"value":[{"id":"v2"}]}`)

	root := rootNode(PaginationNone)
	root.IncrementalField = "lastModifiedDateTime"

	var c collector
	e := newTestEngine(t, []*ResourceNode{
		root,
		childNode("items", "/companies({company_id})/items"),
		childNode("vendors", "/companies({company_id})/vendors"),
	}, f)

	err := e.Run(context.Background(), c.emit)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeNotFound))
	assert.False(t, errors.IsRunFatal(err))
	assert.Contains(t, err.Error(), "resource=items")
	assert.Contains(t, err.Error(), "context=company_id=c1;company_name=A")

	assert.Equal(t, []string{"companies:c1", "vendors:v1", "companies:c2", "items:i2", "vendors:v2"}, c.trail())

	// a failed descendant keeps the parent partition from advancing
	_, ok := e.Watermarks().Get("companies", "")
	assert.False(t, ok)
}

func TestRunTransientExhaustionIsBranchFailure(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.fail("/companies(c1)/items", nil, errors.Wrap(
		errors.New(errors.ErrorTypeUnavailable, "GET returned 503"),
		errors.ErrorTypeTransient, "all 5 attempts failed"))
	f.on("/companies(c2)/items", nil, `{"value":[{"id":"i2"}]}`)

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), childNode("items", "/companies({company_id})/items")}, f)

	err := e.Run(context.Background(), c.emit)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeTransient))
	assert.Equal(t, []string{"companies:c1", "companies:c2", "items:i2"}, c.trail())
}

func TestRunAuthenticationFailureIsFatal(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.fail("/companies(c1)/items", nil, errors.New(errors.ErrorTypeAuthentication, "token refresh rejected"))
	f.on("/companies(c2)/items", nil, `{"value":[{"id":"i2"}]}`)

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), childNode("items", "/companies({company_id})/items")}, f)

	err := e.Run(context.Background(), c.emit)
	require.Error(t, err)
	assert.True(t, errors.IsRunFatal(err))
	assert.Equal(t, []string{"companies:c1"}, c.trail())
}

func TestRunRootFailure(t *testing.T) {
	f := newFakeFetcher()
	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone)}, f)

	err := e.Run(context.Background(), c.emit)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeNotFound))
	assert.Contains(t, err.Error(), "resource=companies")
	assert.Empty(t, c.trail())
}

func TestRunGateSkipsInaccessibleCompanies(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/companyInformation", nil, `{"value":[]}`)
	f.fail("/companies(c2)/companyInformation", nil, errors.New(errors.ErrorTypeAPI, "GET returned 403"))
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"}]}`)

	root := rootNode(PaginationNone)
	root.Gate = "/companies({company_id})/companyInformation"

	var c collector
	e := newTestEngine(t, []*ResourceNode{root, childNode("items", "/companies({company_id})/items")}, f)

	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c1", "items:i1", "companies:c2"}, c.trail())
	assert.Zero(t, f.callCount("/companies(c2)/items", nil))
}

func TestRunDedupeKey(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/generalLedgerEntries", nil, `{"value":[
		{"id":"g1","documentNumber":"D1"},
		{"id":"g2","documentNumber":"D1"},
		{"id":"g3","documentNumber":"D'2"}]}`)
	f.on("/Company('A')/VendorLedgerEntries", q("$filter", "Document_No eq 'D1'"), `{"value":[{"id":"v1"}]}`)
	f.on("/Company('A')/VendorLedgerEntries", q("$filter", "Document_No eq 'D''2'"), `{"value":[{"id":"v2"}]}`)

	gl := childNode("general_ledger_entries", "/companies({company_id})/generalLedgerEntries")
	gl.ChildContext = ContextSpec{
		{Key: "company_name", FromContext: "company_name"},
		{Key: "gl_doc_no", Field: "documentNumber"},
	}
	vle := &ResourceNode{
		Name:           "vendor_ledger_entries",
		Parent:         "general_ledger_entries",
		PathTemplate:   "/Company('{company_name}')/VendorLedgerEntries",
		FilterTemplate: "Document_No eq '{gl_doc_no}'",
		PrimaryKeys:    []string{"id"},
		DedupeKey:      "gl_doc_no",
		Selected:       true,
	}

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), gl, vle}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))

	assert.Equal(t, []string{
		"companies:c1",
		"general_ledger_entries:g1",
		"vendor_ledger_entries:v1",
		"general_ledger_entries:g2",
		"general_ledger_entries:g3",
		"vendor_ledger_entries:v2",
	}, c.trail())
	assert.Equal(t, 1, f.callCount("/Company('A')/VendorLedgerEntries", q("$filter", "Document_No eq 'D1'")))
}

func TestRunSelectionTraversesAncestors(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"}]}`)

	nodes := []*ResourceNode{
		rootNode(PaginationNone),
		childNode("items", "/companies({company_id})/items"),
		childNode("vendors", "/companies({company_id})/vendors"),
	}
	e := newTestEngine(t, nodes, f)
	require.NoError(t, e.graph.Select([]string{"items"}))

	var c collector
	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"items:i1"}, c.trail())
	assert.Zero(t, f.callCount("/companies(c1)/vendors", nil))
}

func TestRunDropsInvalidRecords(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[
		{"id":"c1","name":"A"},
		{"name":"no id"},
		{"id":null,"name":"null id"},
		{"id":"c2","name":"B"}]}`)

	root := rootNode(PaginationNone)
	root.RecordFilter = func(rec map[string]interface{}) bool { return rec["id"] != "c1" }

	var c collector
	e := newTestEngine(t, []*ResourceNode{root}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c2"}, c.trail())
}

func TestRunEmitErrorAborts(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"},{"id":"i2"}]}`)

	sinkErr := fmt.Errorf("sink closed")
	emitted := 0
	emit := func(_ context.Context, r *core.Record) error {
		if r.Stream == "items" {
			return sinkErr
		}
		emitted++
		return nil
	}

	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), childNode("items", "/companies({company_id})/items")}, f)
	err := e.Run(context.Background(), emit)

	require.Error(t, err)
	assert.True(t, errors.Is(err, sinkErr))
	assert.Equal(t, 1, emitted)
	assert.Zero(t, f.callCount("/companies(c2)/items", nil))
}

func TestRunCancelled(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/items", nil, `{"value":[{"id":"i1"}]}`)
	f.on("/companies(c2)/items", nil, `{"value":[{"id":"i2"}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emit := func(ctx context.Context, r *core.Record) error {
		if r.Stream == "items" {
			cancel()
		}
		return ctx.Err()
	}

	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), childNode("items", "/companies({company_id})/items")}, f)
	err := e.Run(ctx, emit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, strings.Contains(err.Error(), "context canceled"))
}

func TestRunGrandchildFailureHoldsAncestorWatermark(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"},{"id":"c2","name":"B"}]}`)
	f.on("/companies(c1)/items", q("$filter", "lastModifiedDateTime gt 2024-01-01T00:00:00Z"),
		`{"value":[{"id":"i1","number":"1000","lastModifiedDateTime":"2024-02-01T00:00:00Z"}]}`)
	f.on("/companies(c1)/items(i1)/itemVariants", nil, `{"value":[{"id":"v1","code":"RED"}]}`)
	f.on("/companies(c2)/items", q("$filter", "lastModifiedDateTime gt 2024-01-01T00:00:00Z"),
		`{"value":[{"id":"i2","number":"2000","lastModifiedDateTime":"2024-03-01T00:00:00Z"}]}`)
	f.on("/companies(c2)/items(i2)/itemVariants", nil, `{"value":[]}`)

	items := childNode("items", "/companies({company_id})/items")
	items.IncrementalField = "lastModifiedDateTime"
	items.ChildContext = ContextSpec{
		{Key: "company_id", FromContext: "company_id"},
		{Key: "item_id", Field: "id"},
		{Key: "item_number", Field: "number"},
	}
	variants := &ResourceNode{
		Name:         "item_specific_variants",
		Parent:       "items",
		PathTemplate: "/companies({company_id})/items({item_id})/itemVariants",
		PrimaryKeys:  []string{"id"},
		ChildContext: ContextSpec{
			{Key: "company_id", FromContext: "company_id"},
			{Key: "item_number", FromContext: "item_number"},
			{Key: "variant_code", Field: "code"},
		},
		Selected: true,
	}
	stock := &ResourceNode{
		Name:           "variant_stock",
		Parent:         "item_specific_variants",
		PathTemplate:   "/companies({company_id})/itemLedgerEntries",
		FilterTemplate: "itemNumber eq '{item_number}'",
		PrimaryKeys:    []string{"id"},
		Selected:       true,
	}

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), items, variants, stock}, f,
		WithStartDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	err := e.Run(context.Background(), c.emit)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeNotFound))
	assert.Contains(t, err.Error(), "resource=variant_stock")
	assert.Equal(t, []string{"companies:c1", "items:i1", "item_specific_variants:v1", "companies:c2", "items:i2"}, c.trail())

	_, ok := e.Watermarks().Get("items", "company_id=c1;company_name=A")
	assert.False(t, ok, "a failed grandchild must hold the items watermark")
	v, ok := e.Watermarks().Get("items", "company_id=c2;company_name=B")
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T00:00:00Z", v)
}

func TestRunMissingIncrementalField(t *testing.T) {
	items := func() *ResourceNode {
		n := childNode("items", "/companies({company_id})/items")
		n.IncrementalField = "lastModifiedDateTime"
		return n
	}
	page := `{"value":[{"id":"i0"},{"id":"i1","lastModifiedDateTime":null},{"id":"i2","lastModifiedDateTime":"2024-02-01T00:00:00Z"}]}`

	// with a lower bound nothing proves the record is newer
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/items", q("$filter", "lastModifiedDateTime gt 2024-01-01T00:00:00Z"), page)

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), items()}, f,
		WithStartDate(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c1", "items:i2"}, c.trail())

	// a full sync has no bound to check against
	f = newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/items", nil, page)

	c = collector{}
	e = newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), items()}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))
	assert.Equal(t, []string{"companies:c1", "items:i0", "items:i1", "items:i2"}, c.trail())
}

func TestRunExpandFallback(t *testing.T) {
	const path = "/companies(c1)/generalLedgerEntries"
	rejected := errors.New(errors.ErrorTypeAPI, "GET returned 400: Dimension Value does not exist")

	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.fail(path, q("$expand", "dimensionSetLines"), rejected)
	f.on(path, q("$select", "id"), `{"value":[{"id":"g1"},{"id":"g2"}]}`)
	f.fail(path, q("$expand", "dimensionSetLines", "$filter", "id eq g1 or id eq g2"), rejected)
	f.on(path, q("$filter", "id eq g1 or id eq g2"), `{"value":[{"id":"g1","amount":10},{"id":"g2","amount":20}]}`)
	f.on(path+"(g1)/dimensionSetLines", nil, `{"value":[{"code":"DEPT","valueCode":"SALES"}]}`)

	gl := childNode("general_ledger_entries", "/companies({company_id})/generalLedgerEntries")
	gl.Expand = "dimensionSetLines"
	gl.ExpandFallback = "Dimension Value does not exist"

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), gl}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))

	assert.Equal(t, []string{"companies:c1", "general_ledger_entries:g1", "general_ledger_entries:g2"}, c.trail())
	assert.Len(t, c.records[1].Data["dimensionSetLines"], 1)
	assert.Equal(t, []interface{}{}, c.records[2].Data["dimensionSetLines"])
	assert.Equal(t, 1, f.callCount(path, q("$select", "id")))

	assert.False(t, gl.rejectsExpansion(errors.New(errors.ErrorTypeAPI, "GET returned 400: other")))
	assert.False(t, gl.rejectsExpansion(errors.New(errors.ErrorTypeNotFound, "Dimension Value does not exist")))
}

func TestRunFixedParamsAndDateFields(t *testing.T) {
	f := newFakeFetcher()
	f.on("/companies", nil, `{"value":[{"id":"c1","name":"A"}]}`)
	f.on("/companies(c1)/skus", q("$order", "Last_Date_Modified_Desc"), `{"value":[
		{"id":"s1","Last_Date_Modified":"2024-05-06"},
		{"id":"s2","Last_Date_Modified":"2024-05-07T10:00:00Z"}]}`)

	sku := childNode("sku_excel", "/companies({company_id})/skus")
	sku.Params = map[string]string{"$order": "Last_Date_Modified_Desc"}
	sku.DateFields = []string{"Last_Date_Modified"}

	var c collector
	e := newTestEngine(t, []*ResourceNode{rootNode(PaginationNone), sku}, f)
	require.NoError(t, e.Run(context.Background(), c.emit))

	require.Len(t, c.records, 3)
	assert.Equal(t, "2024-05-06T00:00:00Z", c.records[1].Data["Last_Date_Modified"])
	assert.Equal(t, "2024-05-07T10:00:00Z", c.records[2].Data["Last_Date_Modified"])
}
