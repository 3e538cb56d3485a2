/*
Package log provides structured logging for Drawbridge using zerolog.

The package wraps zerolog behind a small root logger with configurable
level and output format. Components derive child loggers carrying the
fields that matter when reading a multi-replica deployment's logs: the
component name, the congress node id, or the routed host a certificate
belongs to.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	congressLog := log.WithNodeID("congress", uint64(nodeID))
	congressLog.Info().Uint64("term", term).Msg("became leader")

	log.WithHost("leadership", host).Info().Msg("ordering certificate")

Console output is intended for development; production deployments should
use JSON output so log lines stay machine-parseable.
*/
package log
