// Package storage is the persistence layer behind the runner.
//
// It owns plain CRUD for:
//   - Job definitions and their detection rules
//   - Execution audit records (one row per run, never deleted by the engine)
package storage
