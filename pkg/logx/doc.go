// Package logx configures hookpilot's structured logging.
//
// logx.Logger wraps zerolog to keep:
//   - Console output readable (short timestamp + short caller), written to stderr
//   - File output JSON-structured
//   - Optional event-bus sink (min-level + rate limiting) so observers can
//     react to scheduler warnings without tailing log files
package logx
