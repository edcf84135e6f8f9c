// Package scheduler registers triggers (cron, interval, one-shot) and turns
// each firing into a task on the engine. It never runs work itself.
//
// Cron expressions accept 5 fields, 6 fields with leading seconds, or 7
// fields where the trailing year field must be "*".
package scheduler
