// Package storage abstracts the physical file store a table lives on.
//
// The real deployment target is a distributed filesystem or object store;
// that system is an external collaborator. This package defines the narrow
// contract the transaction core needs from it (list, read, conditional
// create, overwrite, delete) plus two implementations: Local for
// development and single-node use, and Memory for tests.
//
// All paths are forward-slash relative to the store root, regardless of
// host OS. Existence errors are reported via fs.ErrExist / fs.ErrNotExist
// so callers can use errors.Is.
package storage
