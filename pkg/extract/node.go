package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-bc/pkg/json"
)

// PaginationKind selects how a resource pages through its results
type PaginationKind string

const (
	// PaginationNone fetches a single page
	PaginationNone PaginationKind = "none"
	// PaginationOffset follows a page number returned in the body
	PaginationOffset PaginationKind = "offset"
	// PaginationCursorLink follows the OData next link
	PaginationCursorLink PaginationKind = "cursor_link"
)

// DefaultRecordsPointer locates the records array in an OData collection
const DefaultRecordsPointer = "/value"

// ContextField projects one outbound context key. Exactly one of Field and
// FromContext is set.
type ContextField struct {
	Key string `yaml:"key" json:"key"`
	// Field is read from the parent record
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// FromContext is copied from the parent's own inbound context
	FromContext string `yaml:"from_context,omitempty" json:"from_context,omitempty"`
}

// ContextSpec is the ordered list of keys a node passes to its children
type ContextSpec []ContextField

// Keys returns the outbound key set
func (s ContextSpec) Keys() map[string]bool {
	keys := make(map[string]bool, len(s))
	for _, f := range s {
		keys[f.Key] = true
	}
	return keys
}

// WindowSpec partitions a full rebuild into calendar years over Field
type WindowSpec struct {
	Field string `yaml:"field" json:"field"`
}

// RecordFilter decides whether a record of a node is kept
type RecordFilter func(record map[string]interface{}) bool

// ResourceNode describes one extractable resource.
type ResourceNode struct {
	Name   string
	Parent string

	BaseURL string
	// PathTemplate is appended to BaseURL; {key} placeholders come from the inbound context
	PathTemplate string

	PrimaryKeys []string
	// IncrementalField enables watermarks when set
	IncrementalField string
	// DateOnly marks IncrementalField as a calendar date rather than a timestamp
	DateOnly bool

	Expand string
	// ExpandFallback is the server message that marks a rejected expansion. A
	// page failing with it is rebuilt from id batches instead of failing the branch.
	ExpandFallback string
	FilterTemplate string
	// Params are fixed query parameters sent on every page
	Params         map[string]string
	Pagination     PaginationKind
	RecordsPointer string
	// DateFields hold calendar dates that are emitted as midnight UTC timestamps
	DateFields []string

	ChildContext ContextSpec

	// Optional treats a 404 as an empty result
	Optional bool
	Window   *WindowSpec
	// Lookback reprocesses recent reporting periods on every non-initial sync
	Lookback bool
	// DedupeKey runs this subtree at most once per distinct context value in a run
	DedupeKey string
	// Gate is a path probed with the derived child context before descending.
	// A rejected probe skips the children of that record.
	Gate string

	Selected     bool
	RecordFilter RecordFilter
}

// ChildContextFor projects the outbound context of record. It is pure: the
// same record and inbound context always give the same result.
func (n *ResourceNode) ChildContextFor(record map[string]interface{}, in RequestContext) (RequestContext, error) {
	values := make(map[string]string, len(n.ChildContext))
	for _, f := range n.ChildContext {
		if f.FromContext != "" {
			v, ok := in.Get(f.FromContext)
			if !ok {
				return RequestContext{}, errors.Newf(errors.ErrorTypeData,
					"context key %q is not available", f.FromContext)
			}
			values[f.Key] = v
			continue
		}

		raw, ok := record[f.Field]
		if !ok || raw == nil {
			return RequestContext{}, errors.Newf(errors.ErrorTypeData,
				"record has no value for %q", f.Field)
		}
		values[f.Key] = stringValue(raw)
	}
	return NewRequestContext(values), nil
}

func (n *ResourceNode) recordsPointer() string {
	if n.RecordsPointer == "" {
		return DefaultRecordsPointer
	}
	return n.RecordsPointer
}

func (n *ResourceNode) rejectsExpansion(err error) bool {
	return n.ExpandFallback != "" && n.Expand != "" &&
		errors.HasType(err, errors.ErrorTypeAPI) &&
		strings.Contains(err.Error(), n.ExpandFallback)
}

// normalizeDates rewrites YYYY-MM-DD values of the date fields in place.
// Values that are already timestamps or do not parse are left alone.
func (n *ResourceNode) normalizeDates(record map[string]interface{}) {
	for _, f := range n.DateFields {
		s, ok := record[f].(string)
		if !ok || s == "" {
			continue
		}
		if d, err := time.Parse(dateLayout, s); err == nil {
			record[f] = d.Format(filterTimestampLayout)
		}
	}
}

func (n *ResourceNode) hasPrimaryKey(record map[string]interface{}) bool {
	for _, k := range n.PrimaryKeys {
		if v, ok := record[k]; !ok || v == nil {
			return false
		}
	}
	return true
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case jsonpool.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
