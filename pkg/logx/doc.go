// Package logx configures assistd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured and rotated (lumberjack)
//   - an optional alert sink for warn+ lines (min-level + rate limiting)
package logx
