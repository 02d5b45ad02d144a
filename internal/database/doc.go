// Package database provides the PostgreSQL connection pool and the
// server list store backed by it.
//
// The store reads one table:
//
//	CREATE TABLE servers (
//	    id      text PRIMARY KEY,
//	    url     text NOT NULL,
//	    token   text,
//	    enabled boolean NOT NULL DEFAULT true
//	);
package database
