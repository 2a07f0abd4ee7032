// Package gateway connects the broker to the ingestion engine.
//
// Pipeline parses inbound topics and shards messages by device onto a
// fixed pool of workers. Scheduler drives periodic work such as automation
// ticks when no external scheduler is configured.
package gateway
