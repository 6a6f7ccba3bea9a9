// Package logx configures shamebot's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the optional file sink writes JSON lines
//   - the optional ops sink forwards warnings to the operator chat (min-level + rate limit)
package logx
