// Package logging provides structured logging for Gray Logic bridges.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across every bridge process.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries, plus bridge via ForBridge
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/graylogic/bridge.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0").ForBridge("lora")
//	logger.Info("modem ready", "port", "/dev/ttyUSB1")
//
// Never log broker passwords or InfluxDB tokens.
package logging
