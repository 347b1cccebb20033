package extract

import (
	"github.com/go-openapi/jsonpointer"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// lookup resolves an RFC 6901 pointer against a decoded JSON document.
// The empty pointer addresses the whole document.
func lookup(doc map[string]interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return doc, true
	}
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, false
	}
	v, _, err := p.Get(doc)
	if err != nil {
		return nil, false
	}
	return v, true
}

// extractRecords returns the records addressed by pointer. An array yields
// its elements, an object yields itself and null yields nothing.
func extractRecords(doc map[string]interface{}, pointer string) ([]map[string]interface{}, error) {
	v, ok := lookup(doc, pointer)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "response has no records at %q", pointer)
	}

	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return []map[string]interface{}{t}, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for i, item := range t {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeData,
					"record %d at %q is not an object", i, pointer)
			}
			out = append(out, rec)
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData,
			"value at %q is neither an object nor an array", pointer)
	}
}
