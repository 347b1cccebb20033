package extract

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// expandBatchSize bounds the id list of one batch filter
const expandBatchSize = 200

// expandFallback rebuilds a page whose inline expansion the server rejected.
// The page is fetched again with only its ids, which also yields the next
// page link. The entries are then fetched in id batches with the expansion.
// A batch that still fails is fetched bare and each entry loads its expanded
// properties on its own.
func (r *run) expandFallback(ctx context.Context, p *pass, endpoint string, params url.Values, cause error, logger *zap.Logger) (map[string]interface{}, error) {
	node := p.node
	logger.Warn("expansion rejected, fetching page in batches",
		zap.String("expand", node.Expand),
		zap.Error(cause))
	r.metrics.RecordExpandFallback(node.Name)

	idParams := cloneValues(params)
	idParams.Del("$expand")
	idParams.Set("$select", "id")
	body, err := r.fetcher.GetJSON(ctx, endpoint, idParams)
	if err != nil {
		return nil, err
	}
	records, err := extractRecords(body, DefaultRecordsPointer)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if v, ok := rec["id"]; ok && v != nil {
			ids = append(ids, stringValue(v))
		}
	}

	entries := make([]interface{}, 0, len(ids))
	for start := 0; start < len(ids); start += expandBatchSize {
		end := min(start+expandBatchSize, len(ids))
		batch, err := r.fetchBatch(ctx, node, endpoint, ids[start:end], logger)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
		logger.Debug("batch fetched", zap.Int("offset", start), zap.Int("total", len(ids)))
	}

	body["value"] = entries
	return body, nil
}

func (r *run) fetchBatch(ctx context.Context, node *ResourceNode, endpoint string, ids []string, logger *zap.Logger) ([]interface{}, error) {
	clauses := make([]string, len(ids))
	for i, id := range ids {
		clauses[i] = "id eq " + id
	}
	bare := url.Values{"$filter": {strings.Join(clauses, " or ")}}

	expanded := cloneValues(bare)
	expanded.Set("$expand", node.Expand)
	body, err := r.fetcher.GetJSON(ctx, endpoint, expanded)
	if err == nil {
		return pageValues(body)
	}
	if isFatal(err) {
		return nil, err
	}
	logger.Warn("batch expansion failed, expanding entries one by one",
		zap.Int("entries", len(ids)),
		zap.Error(err))

	body, err = r.fetcher.GetJSON(ctx, endpoint, bare)
	if err != nil {
		return nil, err
	}
	entries, err := pageValues(body)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if err := r.expandEntry(ctx, node, endpoint, entry, logger); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// expandEntry loads each expanded property of entry from its own endpoint.
// A property the server refuses is set to an empty list.
func (r *run) expandEntry(ctx context.Context, node *ResourceNode, endpoint string, entry map[string]interface{}, logger *zap.Logger) error {
	id := stringValue(entry["id"])
	for _, prop := range strings.Split(node.Expand, ",") {
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		body, err := r.fetcher.GetJSON(ctx, endpoint+"("+id+")/"+prop, nil)
		if err != nil {
			if isFatal(err) {
				return err
			}
			logger.Warn("failed to expand entry",
				zap.String("id", id),
				zap.String("property", prop),
				zap.Error(err))
			entry[prop] = []interface{}{}
			continue
		}
		values, err := pageValues(body)
		if err != nil {
			return err
		}
		entry[prop] = values
	}
	return nil
}

func pageValues(body map[string]interface{}) ([]interface{}, error) {
	switch v := body["value"].(type) {
	case []interface{}:
		return v, nil
	case nil:
		return []interface{}{}, nil
	default:
		return nil, errors.New(errors.ErrorTypeData, "response value is not an array")
	}
}
