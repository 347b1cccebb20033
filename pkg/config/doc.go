// Package config provides the configuration system for nebula-bc.
//
// The configuration is organized into logical sections:
//   - Performance: channel buffering between extraction and the sink
//   - Timeouts: per HTTP call and connection timeouts
//   - Reliability: retry budget, backoff curve and rate limiting
//   - Observability: logging, metrics and tracing
//   - Advanced: output compression
//   - Source, Destination, State: the Business Central source, the JSONL
//     sink and the watermark store
//
// # Loading
//
//	cfg, err := config.Load("nebula-bc.yaml")
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err // ErrorTypeConfig, fatal before any request is made
//	}
//
// A minimal file:
//
//	source:
//	  client_id: ${BC_CLIENT_ID}
//	  client_secret: ${BC_CLIENT_SECRET}
//	  refresh_token: ${BC_REFRESH_TOKEN}
//	  environment_name: production
//	  start_date: "2023-06-01"
//	state:
//	  uri: s3://my-bucket/bc/state.json
package config
