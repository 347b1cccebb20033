package dynamicsbc

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-bc/pkg/config"
	"github.com/ajitpratap0/nebula-bc/pkg/errors"
	"github.com/ajitpratap0/nebula-bc/pkg/extract"
)

//go:embed catalog.yaml
var catalogYAML []byte

// BaseKind names one of the Business Central URL roots a resource lives under
type BaseKind string

const (
	// BaseAPI is the standard v2.0 API
	BaseAPI BaseKind = "api"
	// BaseReportsFinance is the finance reporting API
	BaseReportsFinance BaseKind = "reports_finance"
	// BaseOData is the OData V4 web services endpoint
	BaseOData BaseKind = "odata"
)

// ResourceSpec is one catalog entry as declared in catalog.yaml
type ResourceSpec struct {
	Name             string              `yaml:"name"`
	Parent           string              `yaml:"parent"`
	Base             BaseKind            `yaml:"base"`
	Path             string              `yaml:"path"`
	PrimaryKeys      []string            `yaml:"primary_keys"`
	IncrementalField string              `yaml:"incremental_field"`
	DateOnly         bool                `yaml:"date_only"`
	Expand           string              `yaml:"expand"`
	ExpandFallback   string              `yaml:"expand_fallback"`
	Filter           string              `yaml:"filter"`
	Params           map[string]string   `yaml:"params"`
	Paged            bool                `yaml:"paged"`
	RecordsPointer   string              `yaml:"records_pointer"`
	DateFields       []string            `yaml:"date_fields"`
	ChildContext     extract.ContextSpec `yaml:"child_context"`
	Optional         bool                `yaml:"optional"`
	WindowField      string              `yaml:"window_field"`
	Lookback         bool                `yaml:"lookback"`
	DedupeKey        string              `yaml:"dedupe_key"`
	Gate             string              `yaml:"gate"`
}

type catalogFile struct {
	Resources []ResourceSpec `yaml:"resources"`
}

// LoadCatalog parses the embedded resource catalog
func LoadCatalog() ([]ResourceSpec, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog parses a catalog document. Every resource must name a known base.
func ParseCatalog(data []byte) ([]ResourceSpec, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse resource catalog")
	}
	if len(file.Resources) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "resource catalog is empty")
	}

	var unknown []string
	for _, r := range file.Resources {
		switch r.Base {
		case BaseAPI, BaseReportsFinance, BaseOData:
		default:
			unknown = append(unknown, r.Name+" ("+string(r.Base)+")")
		}
	}
	if len(unknown) > 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "resources with unknown base: %s", strings.Join(unknown, ", "))
	}
	return file.Resources, nil
}

// GraphOptions carries the deployment settings that shape the graph
type GraphOptions struct {
	// Bases maps each base kind to its resolved URL root. Missing kinds leave BaseURL empty,
	// which is enough for discovery.
	Bases map[BaseKind]string
	// APIGeneration picks the pager of every paged resource
	APIGeneration string
	// Companies restricts the companies resource to these ids when non-empty
	Companies map[string]bool
}

// BuildGraph turns catalog entries into a validated resource graph
func BuildGraph(specs []ResourceSpec, opts GraphOptions) (*extract.StreamGraph, error) {
	paged, err := pagedKind(opts.APIGeneration)
	if err != nil {
		return nil, err
	}

	nodes := make([]*extract.ResourceNode, 0, len(specs))
	for _, s := range specs {
		n := &extract.ResourceNode{
			Name:             s.Name,
			Parent:           s.Parent,
			BaseURL:          strings.TrimRight(opts.Bases[s.Base], "/"),
			PathTemplate:     s.Path,
			PrimaryKeys:      s.PrimaryKeys,
			IncrementalField: s.IncrementalField,
			DateOnly:         s.DateOnly,
			Expand:           s.Expand,
			ExpandFallback:   s.ExpandFallback,
			FilterTemplate:   s.Filter,
			Params:           s.Params,
			Pagination:       extract.PaginationNone,
			RecordsPointer:   s.RecordsPointer,
			DateFields:       s.DateFields,
			ChildContext:     s.ChildContext,
			Optional:         s.Optional,
			Lookback:         s.Lookback,
			DedupeKey:        s.DedupeKey,
			Gate:             s.Gate,
		}
		if s.Paged {
			n.Pagination = paged
		}
		if s.WindowField != "" {
			n.Window = &extract.WindowSpec{Field: s.WindowField}
		}
		if s.Parent == "" && s.Name == "companies" && len(opts.Companies) > 0 {
			n.RecordFilter = companyFilter(opts.Companies)
		}
		nodes = append(nodes, n)
	}
	return extract.NewGraph(nodes)
}

func pagedKind(generation string) (extract.PaginationKind, error) {
	switch generation {
	case config.APIGenerationOffset:
		return extract.PaginationOffset, nil
	case config.APIGenerationCursorLink, "":
		return extract.PaginationCursorLink, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown api_generation %q", generation)
	}
}

func companyFilter(allowed map[string]bool) extract.RecordFilter {
	return func(record map[string]interface{}) bool {
		id, _ := record["id"].(string)
		return allowed[id]
	}
}
