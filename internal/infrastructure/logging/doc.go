// Package logging provides structured logging for vdcd.
//
// It wraps log/slog so every component logs with the same handler, level
// and default fields (service, version).
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
//	logger := logging.New(cfg.Logging, version)
//	dali := logger.Component("dali")
//	dali.Warn("unexpected data, no operation waiting", "bytes", 2)
//
// Components take a small Logger interface (Debug/Info/Warn/Error with
// key-value pairs); *Logger satisfies it through the embedded slog.Logger.
package logging
