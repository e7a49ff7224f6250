package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brook-data/brook/manager/internal/domain"
)

// pipelineColumns is the full column list for pipeline queries.
const pipelineColumns = `id, tenant_id, name, description, program_id, version,
	config, connectors, desired_status, current_status, error, deployment_location,
	status_since, created_at`

// PipelineStore implements api.PipelineStore backed by Postgres. The runner
// supervisor uses its reconciliation and observed-status operations.
type PipelineStore struct {
	pool *pgxpool.Pool
}

// NewPipelineStore creates a PipelineStore backed by the given pool.
func NewPipelineStore(pool *pgxpool.Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

// scanPipeline scans a single pipeline row into domain.Pipeline.
func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var (
		p                  domain.Pipeline
		configJSON         []byte
		connectorsJSON     []byte
		errorJSON          []byte
		desired, current   string
		deploymentLocation pgtype.Text
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.ProgramID,
		&p.Version, &configJSON, &connectorsJSON, &desired, &current,
		&errorJSON, &deploymentLocation, &p.StatusSince, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &p.Config); err != nil {
		return nil, fmt.Errorf("decode pipeline config: %w", err)
	}
	if err := json.Unmarshal(connectorsJSON, &p.Connectors); err != nil {
		return nil, fmt.Errorf("decode pipeline connectors: %w", err)
	}
	if len(errorJSON) > 0 {
		p.Error = &domain.PipelineError{}
		if err := json.Unmarshal(errorJSON, p.Error); err != nil {
			return nil, fmt.Errorf("decode pipeline error: %w", err)
		}
	}
	p.DesiredStatus = domain.PipelineStatus(desired)
	p.CurrentStatus = domain.PipelineStatus(current)
	p.DeploymentLocation = nullableTextToPtr(deploymentLocation)
	return &p, nil
}

func (s *PipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("encode pipeline config: %w", err)
	}
	connectors := p.Connectors
	if connectors == nil {
		connectors = []domain.AttachedConnector{}
	}
	connectorsJSON, err := json.Marshal(connectors)
	if err != nil {
		return fmt.Errorf("encode pipeline connectors: %w", err)
	}

	query := `INSERT INTO pipelines (tenant_id, name, description, program_id, config, connectors)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + pipelineColumns

	created, err := scanPipeline(s.pool.QueryRow(ctx, query,
		p.TenantID, p.Name, p.Description, p.ProgramID, configJSON, connectorsJSON))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("pipeline %s: %w", p.Name, domain.ErrAlreadyExists)
			case "23503":
				return fmt.Errorf("pipeline %s: %w", p.Name, domain.ErrUnknownProgram)
			}
		}
		return fmt.Errorf("create pipeline: %w", err)
	}

	*p = *created
	return nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE tenant_id = $1 AND id = $2`

	p, err := scanPipeline(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

func (s *PipelineStore) GetPipelineByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE tenant_id = $1 AND name = $2`

	p, err := scanPipeline(s.pool.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline by name: %w", err)
	}
	return p, nil
}

func (s *PipelineStore) ListPipelines(ctx context.Context, tenantID uuid.UUID) ([]domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var result []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// UpdatePipeline patches name, description, program binding, runtime config,
// and connector attachments. Any update bumps the pipeline version.
func (s *PipelineStore) UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID,
	name, description *string, programID *uuid.UUID,
	config *domain.RuntimeConfig, connectors []domain.AttachedConnector) (*domain.Pipeline, error) {

	var configJSON, connectorsJSON []byte
	var err error
	if config != nil {
		if configJSON, err = json.Marshal(config); err != nil {
			return nil, fmt.Errorf("encode pipeline config: %w", err)
		}
	}
	if connectors != nil {
		if connectorsJSON, err = json.Marshal(connectors); err != nil {
			return nil, fmt.Errorf("encode pipeline connectors: %w", err)
		}
	}

	query := `UPDATE pipelines SET
		name = COALESCE($3, name),
		description = COALESCE($4, description),
		program_id = COALESCE($5, program_id),
		config = COALESCE($6, config),
		connectors = COALESCE($7, connectors),
		version = version + 1
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + pipelineColumns

	p, err := scanPipeline(s.pool.QueryRow(ctx, query, tenantID, id,
		textPtrToNullable(name), textPtrToNullable(description),
		programID, configJSON, connectorsJSON))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return nil, fmt.Errorf("pipeline rename: %w", domain.ErrAlreadyExists)
			case "23503":
				return nil, fmt.Errorf("pipeline update: %w", domain.ErrUnknownProgram)
			}
		}
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	return p, nil
}

// DeletePipeline removes a pipeline row. The API layer is responsible for
// rejecting deletes of pipelines that are not shut down.
func (s *PipelineStore) DeletePipeline(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipelines WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete pipeline: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetDesiredStatus records user intent. It never touches current_status; the
// supervisor converges the two. Returns false when no such pipeline exists.
func (s *PipelineStore) SetDesiredStatus(ctx context.Context, tenantID, id uuid.UUID, desired domain.PipelineStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET desired_status = $3 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, string(desired))
	if err != nil {
		return false, fmt.Errorf("set desired status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetObservedStatus records what the supervisor observed: the current lifecycle
// state, an optional structured error, and the deployment location (nil clears
// it). Only the supervisor writes these columns.
func (s *PipelineStore) SetObservedStatus(ctx context.Context, id uuid.UUID,
	current domain.PipelineStatus, pipelineErr *domain.PipelineError, location *string) error {

	var errJSON []byte
	if pipelineErr != nil {
		var err error
		if errJSON, err = json.Marshal(pipelineErr); err != nil {
			return fmt.Errorf("encode pipeline error: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET current_status = $2, error = $3, deployment_location = $4, status_since = now()
		 WHERE id = $1`,
		id, string(current), errJSON, textPtrToNullable(location))
	if err != nil {
		return fmt.Errorf("set observed status: %w", err)
	}
	return nil
}

// ListPipelinesNeedingReconciliation returns pipelines whose desired and
// observed states diverge. Failed is sticky: a failed pipeline is only
// returned once the user asks for Shutdown, so the supervisor never
// auto-restarts a failed deployment.
func (s *PipelineStore) ListPipelinesNeedingReconciliation(ctx context.Context) ([]domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines
		WHERE desired_status <> current_status
		  AND NOT (current_status = 'Failed' AND desired_status <> 'Shutdown')
		ORDER BY status_since ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pipelines needing reconciliation: %w", err)
	}
	defer rows.Close()

	var result []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// MarkOrphanedPipelinesShutdown observes every pipeline left in a live state as
// Shutdown. Called once at supervisor startup: after a manager crash there is
// no handle to the old child processes, and they are not re-adopted.
func (s *PipelineStore) MarkOrphanedPipelinesShutdown(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET current_status = 'Shutdown', deployment_location = NULL, status_since = now()
		 WHERE current_status IN ('Provisioning', 'Initializing', 'Paused', 'Running', 'ShuttingDown')`)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned pipelines: %w", err)
	}
	return tag.RowsAffected(), nil
}
