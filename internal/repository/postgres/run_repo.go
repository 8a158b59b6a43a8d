package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.RunRepository = (*pgRunRepo)(nil)

type pgRunRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRunRepository creates a PostgreSQL-backed run repository.
func NewPostgresRunRepository(pool *pgxpool.Pool) repository.RunRepository {
	return &pgRunRepo{pool: pool}
}

func (r *pgRunRepo) Start(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO schedule_runs (id, task, owner, status, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query, run.ID, run.Task, run.Owner, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: start run: %w", err)
	}
	return nil
}

// Finish leaves runs that were already recovered to retryable untouched.
func (r *pgRunRepo) Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) error {
	query := `
		UPDATE schedule_runs
		SET status = $1, error = $2, finished_at = $3
		WHERE id = $4 AND status = 'running'`

	_, err := r.pool.Exec(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: finish run: %w", err)
	}
	return nil
}

func (r *pgRunRepo) ResetRunning(ctx context.Context, task domain.Task) (int, error) {
	query := `
		UPDATE schedule_runs
		SET status = 'retryable', error = 'recovered after forced lock release', finished_at = $1
		WHERE task = $2 AND status = 'running'`

	tag, err := r.pool.Exec(ctx, query, time.Now().UTC(), task)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset running runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
