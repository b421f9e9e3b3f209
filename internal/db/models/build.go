// Package models holds the rows of the build history.
package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maxdollinger/gcearch/pkg/utils"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrBuildNotFound is returned when no build has the requested id.
var ErrBuildNotFound = errors.New("build not found")

type Build struct {
	ID          string     `json:"id"`
	ImageName   string     `json:"image_name"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	OutputPath  *string    `json:"output_path,omitempty"`
	Digest      *string    `json:"digest,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InsertBuild records a queued build of imageName from the given bootstrap
// source.
func InsertBuild(ctx context.Context, db *sql.DB, imageName, source string) (*Build, error) {
	id, err := utils.NewUUID7()
	if err != nil {
		return nil, fmt.Errorf("error generating build uuid: %w", err)
	}
	now := time.Now().Unix()

	query := `
		INSERT INTO builds (id, image_name, source, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query, id, imageName, source, StatusQueued, now); err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}

	return &Build{
		ID:        id,
		ImageName: imageName,
		Source:    source,
		Status:    StatusQueued,
		CreatedAt: time.Unix(now, 0),
	}, nil
}

func MarkBuildRunning(ctx context.Context, db *sql.DB, id string) error {
	query := `UPDATE builds SET status = ?, started_at = ? WHERE id = ?`
	return execOne(ctx, db, query, StatusRunning, time.Now().Unix(), id)
}

func MarkBuildSucceeded(ctx context.Context, db *sql.DB, id, outputPath, digest string) error {
	query := `UPDATE builds SET status = ?, output_path = ?, digest = ?, completed_at = ? WHERE id = ?`
	return execOne(ctx, db, query, StatusSucceeded, outputPath, digest, time.Now().Unix(), id)
}

func MarkBuildFailed(ctx context.Context, db *sql.DB, id string, buildErr error) error {
	query := `UPDATE builds SET status = ?, error = ?, completed_at = ? WHERE id = ?`
	return execOne(ctx, db, query, StatusFailed, buildErr.Error(), time.Now().Unix(), id)
}

func GetBuildByID(ctx context.Context, db *sql.DB, id string) (*Build, error) {
	row := db.QueryRowContext(ctx, selectBuilds+` WHERE id = ?`, id)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return build, err
}

// ListBuilds returns the most recent builds first.
func ListBuilds(ctx context.Context, db *sql.DB, limit int) ([]*Build, error) {
	rows, err := db.QueryContext(ctx, selectBuilds+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}

	return builds, rows.Err()
}

const selectBuilds = `SELECT id, image_name, source, status, output_path, digest, error, started_at, completed_at, created_at FROM builds`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Build, error) {
	var (
		build                  Build
		outputPath, dgst, msg  sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt              int64
	)
	err := row.Scan(&build.ID, &build.ImageName, &build.Source, &build.Status,
		&outputPath, &dgst, &msg, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	build.OutputPath = nullString(outputPath)
	build.Digest = nullString(dgst)
	build.Error = nullString(msg)
	build.StartedAt = nullTime(startedAt)
	build.CompletedAt = nullTime(completedAt)
	build.CreatedAt = time.Unix(createdAt, 0)
	return &build, nil
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBuildNotFound
	}
	return nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := time.Unix(t.Int64, 0)
	return &ts
}
