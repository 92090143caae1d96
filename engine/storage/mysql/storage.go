package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/workflow"
)

// sqlNullTime sets Valid to true if t is not zero.
func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t}
}

// StorePackage implements the storage interface method.
func (s *MySQLStorage) StorePackage(ctx context.Context, p *storage.Package) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validating package: %w", err)
	}
	rawConfig, err := json.Marshal(&p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx, `
INSERT INTO packages
    (id, name, url, working_dir, status, config, created_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?);`,
		p.ID,
		p.Name,
		p.URL,
		p.WorkingDir,
		string(p.Status),
		rawConfig,
		p.CreatedAt,
	)
	if isDupEntryErr(err) {
		return fmt.Errorf("package already exists: %s", p.ID)
	}
	return err
}

// RetrievePackage implements the storage interface method.
func (s *MySQLStorage) RetrievePackage(ctx context.Context, id string) (*storage.Package, error) {
	p := &storage.Package{ID: id}
	var status string
	var rawConfig []byte
	err := s.db.QueryRowContext(
		ctx, `
SELECT name, url, working_dir, status, config, created_at
FROM packages
WHERE id = ?;`,
		id,
	).Scan(&p.Name, &p.URL, &p.WorkingDir, &status, &rawConfig, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p.Status = storage.PackageStatus(status)
	p.Config = workflow.ProcessingConfig{}
	if err = json.Unmarshal(rawConfig, &p.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return p, nil
}

// UpdatePackageStatus implements the storage interface method.
func (s *MySQLStorage) UpdatePackageStatus(ctx context.Context, id string, status storage.PackageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid package status: %q", status)
	}
	// status transitions are monotonic: the update only matches
	// non-terminal rows
	result, err := s.db.ExecContext(
		ctx, `
UPDATE packages
SET status = ?
WHERE id = ? AND status = 'PROCESSING';`,
		string(status),
		id,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	// figure out whether the package is missing or already terminal
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM packages WHERE id = ?;`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: package %s is %s", storage.ErrPackageTerminal, id, cur)
}

// StorePackageVariable implements the storage interface method.
func (s *MySQLStorage) StorePackageVariable(ctx context.Context, id, name, value string) error {
	if name == "" {
		return errors.New("empty variable name")
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var pkgID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM packages WHERE id = ? FOR UPDATE;`, id).Scan(&pkgID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx, `
INSERT INTO package_variables
    (package_id, name, value)
VALUES
    (?, ?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value);`,
			id,
			name,
			value,
		)
		return err
	})
}

// RetrievePackageVariables implements the storage interface method.
func (s *MySQLStorage) RetrievePackageVariables(ctx context.Context, id string) (map[string]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, value FROM package_variables WHERE package_id = ?;`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err = rows.Scan(&name, &value); err != nil {
			return vars, err
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

// DeletePackageVariables implements the storage interface method.
func (s *MySQLStorage) DeletePackageVariables(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM package_variables WHERE package_id = ?;`,
		id,
	)
	return err
}

// RetrievePackageIDs implements the storage interface method.
func (s *MySQLStorage) RetrievePackageIDs(ctx context.Context, status storage.PackageStatus) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM packages WHERE status = ? ORDER BY created_at;`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoreJob implements the storage interface method.
func (s *MySQLStorage) StoreJob(ctx context.Context, j *storage.Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO jobs
    (id, package_id, link_id, name, group_name, status, started_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?);`,
		j.ID,
		j.PackageID,
		j.LinkID,
		j.Name,
		j.Group,
		string(j.Status),
		sqlNullTime(j.StartedAt),
	)
	if isDupEntryErr(err) {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	return err
}

// UpdateJobCompleted implements the storage interface method.
func (s *MySQLStorage) UpdateJobCompleted(ctx context.Context, jobID string, status storage.JobStatus, exitCode int) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal job status: %q", status)
	}
	result, err := s.db.ExecContext(
		ctx, `
UPDATE jobs
SET status = ?, exit_code = ?
WHERE id = ? AND status = 'PROCESSING';`,
		string(status),
		exitCode,
		jobID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: job %s", storage.ErrNotFound, jobID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s", storage.ErrJobTerminal, jobID)
}

func scanJob(row interface{ Scan(...interface{}) error }) (*storage.Job, error) {
	j := new(storage.Job)
	var status string
	var exitCode sql.NullInt64
	var startedAt sql.NullTime
	err := row.Scan(&j.ID, &j.PackageID, &j.LinkID, &j.Name, &j.Group, &status, &exitCode, &startedAt)
	if err != nil {
		return nil, err
	}
	j.Status = storage.JobStatus(status)
	if exitCode.Valid {
		j.ExitCode = int(exitCode.Int64)
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	return j, nil
}

const jobColumns = `id, package_id, link_id, name, group_name, status, exit_code, started_at`

// RetrieveJob implements the storage interface method.
func (s *MySQLStorage) RetrieveJob(ctx context.Context, jobID string) (*storage.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?;`,
		jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", storage.ErrNotFound, jobID)
	}
	return j, err
}

// RetrieveJobs implements the storage interface method.
func (s *MySQLStorage) RetrieveJobs(ctx context.Context, packageID string) ([]*storage.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE package_id = ? ORDER BY ordinal;`,
		packageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*storage.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RetrieveLastJob implements the storage interface method.
func (s *MySQLStorage) RetrieveLastJob(ctx context.Context, packageID string) (*storage.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE package_id = ? ORDER BY ordinal DESC LIMIT 1;`,
		packageID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// StoreTask implements the storage interface method.
func (s *MySQLStorage) StoreTask(ctx context.Context, t *storage.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	_, err := s.db.ExecContext(
		ctx, `
INSERT INTO tasks
    (id, job_id, file_id, filename, execution, arguments, exit_code, stdout, stderr, started_at, ended_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.ID,
		t.JobID,
		t.FileID,
		t.Filename,
		t.Execution,
		t.Arguments,
		t.ExitCode,
		t.Stdout,
		t.Stderr,
		sqlNullTime(t.StartedAt),
		sqlNullTime(t.EndedAt),
	)
	if isDupEntryErr(err) {
		return fmt.Errorf("%w: job=%s file=%q", storage.ErrDuplicateTask, t.JobID, t.FileID)
	}
	if isFKErr(err) {
		return fmt.Errorf("%w: job %s", storage.ErrNotFound, t.JobID)
	}
	return err
}

// RetrieveTasks implements the storage interface method.
func (s *MySQLStorage) RetrieveTasks(ctx context.Context, jobID string) ([]*storage.Task, error) {
	rows, err := s.db.QueryContext(
		ctx, `
SELECT id, job_id, file_id, filename, execution, arguments, exit_code, stdout, stderr, started_at, ended_at
FROM tasks
WHERE job_id = ?
ORDER BY ordinal;`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*storage.Task
	for rows.Next() {
		t := new(storage.Task)
		var startedAt, endedAt sql.NullTime
		err = rows.Scan(
			&t.ID, &t.JobID, &t.FileID, &t.Filename, &t.Execution,
			&t.Arguments, &t.ExitCode, &t.Stdout, &t.Stderr,
			&startedAt, &endedAt,
		)
		if err != nil {
			return tasks, err
		}
		if startedAt.Valid {
			t.StartedAt = startedAt.Time
		}
		if endedAt.Valid {
			t.EndedAt = endedAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
