// Package logx is clockswitch's structured logging on top of zerolog.
//
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks for every component at once. Console output is
// human-readable by default (short timestamp, file:line caller) and can be
// switched to JSON for journald; the file sink is always JSON.
package logx
