package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/gatesync/internal/model"
)

// Querier is the subset of *pgxpool.Pool used by the store.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ServerStore lists server identities from a Postgres table.
type ServerStore struct {
	q      Querier
	query  string
	logger *slog.Logger
}

// NewServerStore creates a store over the given table. The table name must
// already be validated; it is quoted as an identifier.
func NewServerStore(q Querier, table string, logger *slog.Logger) *ServerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerStore{
		q:      q,
		query:  listServersSQL(table),
		logger: logger,
	}
}

func listServersSQL(table string) string {
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return "SELECT id, url, token FROM " + ident + " WHERE enabled ORDER BY id"
}

// ListServers returns every enabled server ordered by id. Rows without an
// id or url are skipped.
func (s *ServerStore) ListServers(ctx context.Context) ([]model.Server, error) {
	rows, err := s.q.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		var (
			id, url string
			token   *string
		)
		if err := rows.Scan(&id, &url, &token); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		if id == "" || url == "" {
			s.logger.Warn("skipping incomplete server row", "id", id)
			continue
		}

		srv := model.Server{ID: model.ServerID(id), URL: url}
		if token != nil {
			srv.Token = *token
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}

	return servers, nil
}
