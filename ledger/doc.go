// Package ledger records per-call usage in SQLite so spend can be reported across
// restarts. Calls served from the cache skip the response pipeline and are not recorded.
package ledger
