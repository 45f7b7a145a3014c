// Package ticketstore provides read access to the bug and release ticket
// collections over two interchangeable backends: Postgres with pgvector and
// tsvector indexes (primary) and Qdrant (fallback). The auto backend composes
// both behind a health-gated switch that prefers the primary and demotes to
// the fallback while the primary is unreachable.
//
// All stores are safe for concurrent use and own their connection pools.
package ticketstore
