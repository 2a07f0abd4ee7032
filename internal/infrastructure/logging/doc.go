// Package logging provides structured logging for homegate.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields (service, version) and a component tag.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("mqtt").Info("connected", "broker", addr)
//
// Never log broker passwords or tokens.
package logging
