// Package postgres implements the event outbox on PostgreSQL.
//
// Writes run on the primary inside a transaction that can be scoped to a
// tenant through a TenantResolver. Claims use FOR UPDATE SKIP LOCKED so
// several worker processes may share one outbox table. Reporting reads
// (status counts, dead-letter listing) may be routed to a read replica.
package postgres
