package repository

import (
	"context"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/perfci/perfci/internal/common/database"
	"github.com/perfci/perfci/internal/common/perferrors"
	"github.com/perfci/perfci/internal/perfci/domain"
)

//go:embed migrations/*.sql
var migrationFs embed.FS

// Migrations returns the schema migrations of the build tables, in order.
func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFs, "migrations")
}

type PostgresBuildRepository struct {
	db *pgxpool.Pool
}

func NewPostgresBuildRepository(db *pgxpool.Pool) *PostgresBuildRepository {
	return &PostgresBuildRepository{db: db}
}

func (r *PostgresBuildRepository) CreateBuild(ctx context.Context, build *domain.Build) error {
	if build.Id == "" {
		build.Id = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO builds (id, url, repository, status, percent, error_message, created, updated)
		 VALUES ($1, $2, $3, $4, 0, '', $5, $5)`,
		build.Id, build.Url, build.RepositoryFullName, string(domain.BuildStatusPending), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return errors.WithStack(&perferrors.ErrAlreadyExists{Type: "build", Value: build.Id})
		}
		return errors.WithStack(err)
	}
	build.Status = domain.BuildStatusPending
	build.Percent = 0
	build.Created = now
	build.Updated = now
	return nil
}

func (r *PostgresBuildRepository) GetBuild(ctx context.Context, id string) (*domain.Build, error) {
	build := &domain.Build{Id: id}
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT url, repository, status, percent, error_message, created, updated FROM builds WHERE id = $1`, id,
	).Scan(&build.Url, &build.RepositoryFullName, &status, &build.Percent, &build.ErrorMessage, &build.Created, &build.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&perferrors.ErrNotFound{Type: "build", Value: id})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	build.Status = domain.BuildStatus(status)

	rows, err := r.db.Query(ctx,
		`SELECT e.uri, e.max_response_time_ns, e.target_response_time_ns, b.latency, b.error_count, b.details
		 FROM endpoints e LEFT JOIN benchmarks b ON b.build_id = e.build_id AND b.position = e.position
		 WHERE e.build_id = $1
		 ORDER BY e.position`, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	build.Benchmarks = []domain.Benchmark{}
	for rows.Next() {
		var (
			endpoint                    domain.Endpoint
			maxResponse, targetResponse int64
			latency                     *float64
			errorCount                  *int
			details                     []string
		)
		if err := rows.Scan(&endpoint.Uri, &maxResponse, &targetResponse, &latency, &errorCount, &details); err != nil {
			return nil, errors.WithStack(err)
		}
		endpoint.MaxResponseTime = time.Duration(maxResponse)
		endpoint.TargetResponseTime = time.Duration(targetResponse)
		build.Endpoints = append(build.Endpoints, endpoint)
		if latency != nil {
			benchmark := domain.Benchmark{Endpoint: endpoint, Latency: *latency, Details: details}
			if errorCount != nil {
				benchmark.ErrorCount = *errorCount
			}
			if benchmark.Details == nil {
				benchmark.Details = []string{}
			}
			build.Benchmarks = append(build.Benchmarks, benchmark)
		}
	}
	return build, errors.WithStack(rows.Err())
}

func (r *PostgresBuildRepository) ResetBuild(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := touch(ctx, tx, id, `error_message = ''`); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM endpoints WHERE build_id = $1`, id)
		return errors.WithStack(err)
	})
}

func (r *PostgresBuildRepository) UpdateStatus(ctx context.Context, id string, status domain.BuildStatus, percent int) error {
	return touch(ctx, r.db, id, `status = $2, percent = $3`, string(status), percent)
}

func (r *PostgresBuildRepository) MarkBuildError(ctx context.Context, id string, message string) error {
	return touch(ctx, r.db, id, `status = $2, error_message = $3`, string(domain.BuildStatusError), message)
}

func (r *PostgresBuildRepository) MarkBuildFinished(ctx context.Context, id string) error {
	return touch(ctx, r.db, id, `status = $2, percent = 100`, string(domain.BuildStatusFinished))
}

func (r *PostgresBuildRepository) AddEndpoint(ctx context.Context, id string, endpoint domain.Endpoint) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := touch(ctx, tx, id, ""); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO endpoints (build_id, position, uri, max_response_time_ns, target_response_time_ns)
			 SELECT $1, count(*), $2::text, $3::bigint, $4::bigint FROM endpoints WHERE build_id = $1`,
			id, endpoint.Uri, int64(endpoint.MaxResponseTime), int64(endpoint.TargetResponseTime))
		return errors.WithStack(err)
	})
}

func (r *PostgresBuildRepository) EndpointBenchmark(ctx context.Context, id string, benchmark domain.Benchmark) error {
	details := benchmark.Details
	if details == nil {
		details = []string{}
	}
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := touch(ctx, tx, id, ""); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO benchmarks (build_id, position, latency, error_count, details)
			 SELECT $1, count(*), $2::double precision, $3::integer, $4::text[] FROM benchmarks WHERE build_id = $1
			 HAVING count(*) < (SELECT count(*) FROM endpoints WHERE build_id = $1)`,
			id, benchmark.Latency, benchmark.ErrorCount, details)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(&perferrors.ErrInvalidArgument{
				Name:    "benchmark",
				Value:   benchmark.Endpoint.Uri,
				Message: "every endpoint of the build already has a benchmark",
			})
		}
		return nil
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// touch applies assignments to the build and bumps its update time, failing with ErrNotFound if there's no such
// build. Placeholders in assignments start at $2.
func touch(ctx context.Context, db execer, id string, assignments string, args ...any) error {
	set := "updated = now()"
	if assignments != "" {
		set = assignments + ", " + set
	}
	tag, err := db.Exec(ctx, `UPDATE builds SET `+set+` WHERE id = $1`, append([]any{id}, args...)...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&perferrors.ErrNotFound{Type: "build", Value: id})
	}
	return nil
}
