// Package logx wraps zerolog behind a small, swap-at-runtime logging service.
//
// Components take a logx.Logger by value; the zero value is a safe no-op, so
// tests can pass Logger{} without wiring sinks.
package logx
