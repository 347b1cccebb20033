// Package nebulabc extracts data incrementally from Microsoft Dynamics 365
// Business Central.
//
// A run walks a declarative resource graph rooted at companies. Every
// parent record fans out into its children through a child context, so a
// single company expands into items, ledger entries, vendors and so on. Each
// record is emitted as a JSON line annotated with the context it was fetched
// under, and every (resource, partition) pair keeps its own watermark so the
// next run only asks the server for what changed.
//
// # Architecture
//
// The module is split along the path a record travels:
//
//   - pkg/clients: HTTP transport, OAuth refresh-token credentials and the
//     retrying JSON client
//   - pkg/extract: the resource graph, pagination, windowing, watermarks and
//     the engine that traverses the graph
//   - pkg/connector/sources/dynamics_bc: the Business Central catalog and
//     environment resolution
//   - pkg/connector/destinations/jsonl: the RECORD/STATE line writer
//   - pkg/state: local, S3 and GCS persistence of watermarks
//   - internal/pipeline: one run from state load to state save
//
// # Basic Usage
//
//	import (
//	    "github.com/ajitpratap0/nebula-bc/internal/pipeline"
//	    "github.com/ajitpratap0/nebula-bc/pkg/config"
//	    "github.com/ajitpratap0/nebula-bc/pkg/connector/registry"
//	    "github.com/ajitpratap0/nebula-bc/pkg/state"
//
//	    _ "github.com/ajitpratap0/nebula-bc/pkg/connector/destinations/jsonl"
//	    _ "github.com/ajitpratap0/nebula-bc/pkg/connector/sources/dynamics_bc"
//	)
//
//	cfg, err := config.Load("bc.yaml")
//	if err != nil {
//	    return err
//	}
//
//	source, _ := registry.CreateSource("dynamics_bc", cfg)
//	destination, _ := registry.CreateDestination(cfg.Destination.Type, cfg)
//	_ = source.Initialize(ctx, cfg)
//	_ = destination.Initialize(ctx, cfg)
//
//	store, _ := state.Open(ctx, cfg.State)
//	stats, err := pipeline.New(source, destination, store, logger).Run(ctx)
//
// # Command Line
//
//	nebula-bc check --config bc.yaml
//	nebula-bc discover --config bc.yaml
//	nebula-bc run --config bc.yaml
//
// Any configuration key can be overridden from the environment with the
// NEBULA_BC_ prefix, e.g. NEBULA_BC_SOURCE_CLIENT_SECRET.
package nebulabc
