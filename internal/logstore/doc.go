// Package logstore persists the versioned transaction log.
//
// Two implementations ship. FileStore lays entries out as one JSON file per
// version under _txn_log/ and relies on the storage layer's atomic
// create-if-absent for commit races. SQLiteStore keeps the log in a single
// SQLite database, for table roots whose backing storage has no atomic
// create primitive. Both expose the same conditional-append contract:
// Append at a taken version fails with ErrVersionExists and writes nothing.
package logstore
