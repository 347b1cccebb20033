// Package extract is the incremental extraction engine. It walks a forest of
// REST resources depth first, pages through each one, threads context from
// parent records into child requests and keeps a monotonic watermark per
// resource partition so that a later run resumes where this one stopped.
//
// The engine knows nothing about Business Central itself. Resources are
// described declaratively with ResourceNode and assembled into a StreamGraph,
// and HTTP access goes through the Fetcher interface.
//
//	graph, err := extract.NewGraph(nodes)
//	engine := extract.NewEngine(graph, apiClient, logger,
//	    extract.WithStartDate(start),
//	    extract.WithWatermarks(store))
//	err = engine.Run(ctx, emit)
package extract
