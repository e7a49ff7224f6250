package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brook-data/brook/manager/internal/domain"
)

// programColumns is the full column list for program queries.
const programColumns = `id, tenant_id, name, description, version, code, schema,
	status, error, status_since, created_at`

// ProgramStore implements api.ProgramStore backed by Postgres. It also serves
// the compile scheduler's queue operations (lease, guarded status updates,
// artifact registry).
type ProgramStore struct {
	pool *pgxpool.Pool
}

// NewProgramStore creates a ProgramStore backed by the given pool.
func NewProgramStore(pool *pgxpool.Pool) *ProgramStore {
	return &ProgramStore{pool: pool}
}

// scanProgram scans a single program row into domain.Program.
func scanProgram(row pgx.Row) (*domain.Program, error) {
	var (
		p              domain.Program
		schema, errMsg pgtype.Text
		status         string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Version,
		&p.Code, &schema, &status, &errMsg, &p.StatusSince, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Schema = nullableTextToPtr(schema)
	p.Status = domain.ProgramStatus(status)
	p.Error = nullableTextToPtr(errMsg)
	return &p, nil
}

func (s *ProgramStore) CreateProgram(ctx context.Context, p *domain.Program) error {
	query := `INSERT INTO programs (tenant_id, name, description, code)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + programColumns

	created, err := scanProgram(s.pool.QueryRow(ctx, query,
		p.TenantID, p.Name, p.Description, p.Code))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("program %s: %w", p.Name, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create program: %w", err)
	}

	*p = *created
	return nil
}

func (s *ProgramStore) GetProgram(ctx context.Context, tenantID, id uuid.UUID) (*domain.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE tenant_id = $1 AND id = $2`

	p, err := scanProgram(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get program: %w", err)
	}
	return p, nil
}

func (s *ProgramStore) GetProgramByName(ctx context.Context, tenantID uuid.UUID, name string) (*domain.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE tenant_id = $1 AND name = $2`

	p, err := scanProgram(s.pool.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get program by name: %w", err)
	}
	return p, nil
}

func (s *ProgramStore) ListPrograms(ctx context.Context, tenantID uuid.UUID) ([]domain.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}
	defer rows.Close()

	var result []domain.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// UpdateProgram patches name, description, and code. A code change bumps the
// version and resets compile state (status None, error and schema cleared); a
// no-op code write leaves the version and status untouched.
func (s *ProgramStore) UpdateProgram(ctx context.Context, tenantID, id uuid.UUID, name, description, code *string) (*domain.Program, error) {
	query := `UPDATE programs SET
		name = COALESCE($3, name),
		description = COALESCE($4, description),
		version = CASE WHEN $5::text IS NOT NULL AND $5 IS DISTINCT FROM code THEN version + 1 ELSE version END,
		status = CASE WHEN $5::text IS NOT NULL AND $5 IS DISTINCT FROM code THEN 'None' ELSE status END,
		error = CASE WHEN $5::text IS NOT NULL AND $5 IS DISTINCT FROM code THEN NULL ELSE error END,
		schema = CASE WHEN $5::text IS NOT NULL AND $5 IS DISTINCT FROM code THEN NULL ELSE schema END,
		status_since = CASE WHEN $5::text IS NOT NULL AND $5 IS DISTINCT FROM code THEN now() ELSE status_since END,
		code = COALESCE($5, code)
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + programColumns

	p, err := scanProgram(s.pool.QueryRow(ctx, query, tenantID, id,
		textPtrToNullable(name), textPtrToNullable(description), textPtrToNullable(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("program rename: %w", domain.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("update program: %w", err)
	}
	return p, nil
}

// DeleteProgram removes a program. Returns false when no such program exists
// and domain.ErrProgramInUse when a pipeline still references it.
func (s *ProgramStore) DeleteProgram(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM programs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, fmt.Errorf("program %s: %w", id, domain.ErrProgramInUse)
		}
		return false, fmt.Errorf("delete program: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// QueueCompile marks a program Pending if expectedVersion matches the stored
// version. Returns false when the program does not exist. A program that is
// already queued, compiling, or successfully compiled at that version is left
// alone. A stale expectedVersion yields domain.ErrVersionMismatch.
func (s *ProgramStore) QueueCompile(ctx context.Context, tenantID, id uuid.UUID, expectedVersion int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin queue compile: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		version int64
		status  string
	)
	err = tx.QueryRow(ctx,
		`SELECT version, status FROM programs WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, id).Scan(&version, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("queue compile: %w", err)
	}

	if version != expectedVersion {
		return true, fmt.Errorf("program %s at version %d, requested %d: %w",
			id, version, expectedVersion, domain.ErrVersionMismatch)
	}

	ps := domain.ProgramStatus(status)
	if ps == domain.ProgramStatusPending || ps.Compiling() || ps == domain.ProgramStatusSuccess {
		return true, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE programs SET status = 'Pending', error = NULL, status_since = now()
		 WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return true, fmt.Errorf("queue compile: %w", err)
	}

	return true, tx.Commit(ctx)
}

// NextProgramToCompile leases the oldest Pending program, atomically moving it
// to CompilingSql. FOR UPDATE SKIP LOCKED keeps concurrent pollers from leasing
// the same row. Returns nil when the queue is empty.
func (s *ProgramStore) NextProgramToCompile(ctx context.Context) (*domain.Program, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin compile lease: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanProgram(tx.QueryRow(ctx,
		`SELECT `+programColumns+` FROM programs
		 WHERE status = 'Pending'
		 ORDER BY status_since ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease next program: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE programs SET status = 'CompilingSql', status_since = now() WHERE id = $1`,
		p.ID); err != nil {
		return nil, fmt.Errorf("mark program compiling: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit compile lease: %w", err)
	}

	p.Status = domain.ProgramStatusCompilingSql
	return p, nil
}

// UpdateCompileStatus advances the compile state machine, guarded on both the
// program version and the status the caller last observed. Returns false when
// the guard no longer holds (the program was edited or re-queued mid-compile),
// in which case the caller must discard its result.
func (s *ProgramStore) UpdateCompileStatus(ctx context.Context, id uuid.UUID, version int64,
	from, to domain.ProgramStatus, compileErr, schema *string) (bool, error) {

	tag, err := s.pool.Exec(ctx,
		`UPDATE programs SET status = $4, error = $5, schema = COALESCE($6, schema), status_since = now()
		 WHERE id = $1 AND version = $2 AND status = $3`,
		id, version, string(from), string(to),
		textPtrToNullable(compileErr), textPtrToNullable(schema))
	if err != nil {
		return false, fmt.Errorf("update compile status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetCompilingPrograms demotes in-flight compiles back to Pending. Called at
// startup: a crash mid-compile must not leave programs stuck in a compiling
// state forever.
func (s *ProgramStore) ResetCompilingPrograms(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE programs SET status = 'Pending', status_since = now()
		 WHERE status IN ('CompilingSql', 'CompilingNative')`)
	if err != nil {
		return 0, fmt.Errorf("reset compiling programs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RegisterArtifact records the binary produced for a (program, version) pair.
func (s *ProgramStore) RegisterArtifact(ctx context.Context, a *domain.CompiledArtifact) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO compiled_artifacts (program_id, version, binary_path)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (program_id, version) DO UPDATE SET binary_path = EXCLUDED.binary_path
		 RETURNING created_at`,
		a.ProgramID, a.Version, a.BinaryPath).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("register artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the compiled binary for a (program, version) pair, or
// nil when that version was never compiled.
func (s *ProgramStore) GetArtifact(ctx context.Context, programID uuid.UUID, version int64) (*domain.CompiledArtifact, error) {
	var a domain.CompiledArtifact
	err := s.pool.QueryRow(ctx,
		`SELECT program_id, version, binary_path, created_at
		 FROM compiled_artifacts WHERE program_id = $1 AND version = $2`,
		programID, version).Scan(&a.ProgramID, &a.Version, &a.BinaryPath, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// DeleteSupersededArtifacts removes artifact rows whose version no longer
// matches the program's current version, returning the deleted rows so the
// caller can clean up the build directories on disk.
func (s *ProgramStore) DeleteSupersededArtifacts(ctx context.Context) ([]domain.CompiledArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM compiled_artifacts ca
		 USING programs p
		 WHERE ca.program_id = p.id AND ca.version <> p.version
		 RETURNING ca.program_id, ca.version, ca.binary_path, ca.created_at`)
	if err != nil {
		return nil, fmt.Errorf("delete superseded artifacts: %w", err)
	}
	defer rows.Close()

	var deleted []domain.CompiledArtifact
	for rows.Next() {
		var a domain.CompiledArtifact
		if err := rows.Scan(&a.ProgramID, &a.Version, &a.BinaryPath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deleted artifact: %w", err)
		}
		deleted = append(deleted, a)
	}
	return deleted, rows.Err()
}
