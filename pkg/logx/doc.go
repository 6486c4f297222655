// Package logx configures tend's structured logging.
//
// tend uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Live reconfiguration on config hot-reload
package logx
