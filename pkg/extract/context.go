package extract

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// RequestContext is the immutable set of values a parent record hands to the
// requests of its children. It lives for one parent record's subtree.
type RequestContext struct {
	values map[string]string
}

// NewRequestContext copies values into a new context
func NewRequestContext(values map[string]string) RequestContext {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return RequestContext{values: cp}
}

// Get returns the value of key
func (c RequestContext) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Len returns the number of keys
func (c RequestContext) Len() int {
	return len(c.values)
}

// Keys returns the keys in sorted order
func (c RequestContext) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy of the context as record fields
func (c RequestContext) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// PartitionKey is the canonical k=v;k=v rendering with sorted keys. The root
// context renders as the empty string.
func (c RequestContext) PartitionKey() string {
	keys := c.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c.values[k])
	}
	return strings.Join(parts, ";")
}

func (c RequestContext) String() string {
	return c.PartitionKey()
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders lists the distinct {key} names in template, in order of appearance
func Placeholders(template string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// ExpandPath substitutes context values into a URL path. Values are OData
// quote escaped and then path escaped.
func ExpandPath(template string, ctx RequestContext) (string, error) {
	return expand(template, ctx, func(v string) string {
		return url.PathEscape(QuoteEscape(v))
	})
}

// ExpandFilter substitutes context values into an OData filter expression.
// Query encoding happens later with the rest of the parameters.
func ExpandFilter(template string, ctx RequestContext) (string, error) {
	return expand(template, ctx, QuoteEscape)
}

// QuoteEscape doubles lone single quotes for use inside an OData string
// literal. Runs of two or more quotes are taken as already escaped.
func QuoteEscape(v string) string {
	if !strings.Contains(v, "'") {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 4)
	for i := 0; i < len(v); {
		if v[i] != '\'' {
			b.WriteByte(v[i])
			i++
			continue
		}
		j := i
		for j < len(v) && v[j] == '\'' {
			j++
		}
		if j-i == 1 {
			b.WriteString("''")
		} else {
			b.WriteString(v[i:j])
		}
		i = j
	}
	return b.String()
}

func expand(template string, ctx RequestContext, escape func(string) string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := ctx.Get(key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return escape(v)
	})
	if len(missing) > 0 {
		return "", errors.Newf(errors.ErrorTypeInternal,
			"template %q references unknown context keys %v", template, missing)
	}
	return out, nil
}
