package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brook-data/brook/manager/internal/domain"
)

const connectorColumns = `id, tenant_id, name, description, config, created_at`

// ConnectorStore implements api.ConnectorStore backed by Postgres.
type ConnectorStore struct {
	pool *pgxpool.Pool
}

// NewConnectorStore creates a ConnectorStore backed by the given pool.
func NewConnectorStore(pool *pgxpool.Pool) *ConnectorStore {
	return &ConnectorStore{pool: pool}
}

func scanConnector(row pgx.Row) (*domain.Connector, error) {
	var c domain.Connector
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Description, &c.Config, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ConnectorStore) CreateConnector(ctx context.Context, c *domain.Connector) error {
	query := `INSERT INTO connectors (tenant_id, name, description, config)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + connectorColumns

	created, err := scanConnector(s.pool.QueryRow(ctx, query,
		c.TenantID, c.Name, c.Description, c.Config))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("connector %s: %w", c.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create connector: %w", err)
	}

	*c = *created
	return nil
}

func (s *ConnectorStore) GetConnector(ctx context.Context, tenantID, id uuid.UUID) (*domain.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE tenant_id = $1 AND id = $2`

	c, err := scanConnector(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get connector: %w", err)
	}
	return c, nil
}

func (s *ConnectorStore) GetConnectorByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE tenant_id = $1 AND name = $2`

	c, err := scanConnector(s.pool.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get connector by name: %w", err)
	}
	return c, nil
}

func (s *ConnectorStore) ListConnectors(ctx context.Context, tenantID uuid.UUID) ([]domain.Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var result []domain.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *ConnectorStore) UpdateConnector(ctx context.Context, tenantID, id uuid.UUID,
	name, description, config *string) (*domain.Connector, error) {

	query := `UPDATE connectors SET
		name = COALESCE($3, name),
		description = COALESCE($4, description),
		config = COALESCE($5, config)
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + connectorColumns

	c, err := scanConnector(s.pool.QueryRow(ctx, query, tenantID, id,
		textPtrToNullable(name), textPtrToNullable(description), textPtrToNullable(config)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("connector rename: %w", domain.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("update connector: %w", err)
	}
	return c, nil
}

func (s *ConnectorStore) DeleteConnector(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM connectors WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete connector: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
