package extract

import (
	"net/url"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

const (
	offsetPointer   = "/next_page"
	nextLinkPointer = "/@odata.nextLink"
)

// Pager reads the continuation token of a page and applies it to the next
// request. An empty token ends the page loop.
type Pager interface {
	Next(page map[string]interface{}, prev string) (string, error)
	Apply(params url.Values, token string)
}

var pagers = map[PaginationKind]func() Pager{
	PaginationNone:       func() Pager { return NoPager{} },
	PaginationOffset:     func() Pager { return OffsetPager{} },
	PaginationCursorLink: func() Pager { return CursorLinkPager{} },
}

// PagerFor returns the strategy registered for kind
func PagerFor(kind PaginationKind) (Pager, error) {
	newPager, ok := pagers[kind]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown pagination kind %q", kind)
	}
	return newPager(), nil
}

// NoPager never continues
type NoPager struct{}

func (NoPager) Next(map[string]interface{}, string) (string, error) { return "", nil }

func (NoPager) Apply(url.Values, string) {}

// OffsetPager follows the page number the server returns in next_page
type OffsetPager struct{}

func (OffsetPager) Next(page map[string]interface{}, _ string) (string, error) {
	v, ok := lookup(page, offsetPointer)
	if !ok || v == nil {
		return "", nil
	}
	return stringValue(v), nil
}

func (OffsetPager) Apply(params url.Values, token string) {
	if token != "" {
		params.Set("page", token)
	}
}

// CursorLinkPager follows @odata.nextLink. Only aid and $skiptoken are kept
// from the link; the rest of the request is rebuilt from the node.
type CursorLinkPager struct{}

func (CursorLinkPager) Next(page map[string]interface{}, _ string) (string, error) {
	v, ok := lookup(page, nextLinkPointer)
	if !ok || v == nil {
		return "", nil
	}
	link, ok := v.(string)
	if !ok {
		return "", errors.New(errors.ErrorTypeData, "next link is not a string")
	}
	if link == "" {
		return "", nil
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "invalid next link").
			WithDetail("link", link)
	}
	query := u.Query()
	skip := query.Get("$skiptoken")
	if skip == "" {
		return "", errors.New(errors.ErrorTypeData, "next link has no $skiptoken").
			WithDetail("link", link)
	}

	token := url.Values{}
	token.Set("$skiptoken", skip)
	if aid := query.Get("aid"); aid != "" {
		token.Set("aid", aid)
	}
	return token.Encode(), nil
}

func (CursorLinkPager) Apply(params url.Values, token string) {
	if token == "" {
		return
	}
	values, err := url.ParseQuery(token)
	if err != nil {
		return
	}
	for k := range values {
		params.Set(k, values.Get(k))
	}
}

// CursorTracker rejects a page loop that revisits a cursor
type CursorTracker struct {
	seen    map[string]struct{}
	current string
}

// NewCursorTracker starts a page loop at the None cursor
func NewCursorTracker() *CursorTracker {
	return &CursorTracker{seen: make(map[string]struct{})}
}

// Advance moves to next. It fails with ErrorTypePagination when next was
// already produced in this loop, including next equal to the current cursor.
func (t *CursorTracker) Advance(next string) error {
	if next == "" {
		t.current = ""
		return nil
	}
	if _, ok := t.seen[next]; ok {
		return errors.New(errors.ErrorTypePagination, "pagination cursor repeated").
			WithDetail("cursor", next).
			WithDetail("pages", len(t.seen))
	}
	t.seen[next] = struct{}{}
	t.current = next
	return nil
}

// Current returns the cursor of the page about to be fetched
func (t *CursorTracker) Current() string {
	return t.current
}
