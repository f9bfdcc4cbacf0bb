// Package config defines the configuration for a feedhub process.
//
// Both processes, the aggregation server started with `feedhub run` and the
// peer monitor started with `feedhub monitor`, use the Config object defined
// in this package to store and forward configuration options. Options come
// from command line flags and, optionally, from a feedhub.toml (or .yaml,
// .json) file in Config.DataDir:
//
//	ingest-listen  // address:port where producers stream heartbeat lines
//	feed-listen    // address:port of the websocket feed for dashboards
//	service-listen // address:port of the HTTP API (stats, peers, metrics)
//	wamp-listen    // (optional) address:port of a WAMP router mirroring the feed
package config
