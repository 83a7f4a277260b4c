// Package storage persists rules and their execution history.
//
// Drivers:
//   - "sqlite": single-file database (modernc.org/sqlite, pure Go)
//   - "postgres": lib/pq, schema managed by golang-migrate
//   - "memory": process-local, for tests and dry runs
//
// A Store hands out Tx values; the scheduler does all of one tick's writes in
// a single Tx and commits once.
package storage
