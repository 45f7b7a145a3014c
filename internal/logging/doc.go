// Package logging provides the zap-based structured logger for triaged.
//
// Loggers are context-aware: every log call extracts trace correlation
// and the request ID from the context, so handler and strategy code does
// not thread those fields by hand. Output goes to stdout (JSON or
// console) and, when telemetry is enabled, to the OpenTelemetry log
// bridge. Known credential fields are redacted at the encoder.
package logging
