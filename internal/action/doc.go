// Package action defines the tagged change records that make up the table
// log, and their wire codec.
//
// This package contains type definitions and serialization only. All other
// internal packages import action; action imports nothing internal. This
// keeps it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Actions are immutable once written; there is no update, only supersede
//   - All timestamps are epoch milliseconds (int64), never time.Time on the wire
//   - JSON tags use camelCase; each action travels inside a single-key
//     envelope object ({"add":{...}}, {"remove":{...}}, ...) so every log
//     entry is self-describing
//   - A log entry is newline-delimited JSON: one envelope per line
package action
