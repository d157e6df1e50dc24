// Package logx configures telemetryd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot paths quiet (Sampled loggers backed by a token bucket)
package logx
