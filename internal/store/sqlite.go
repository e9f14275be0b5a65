package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	country     TEXT,
	region      TEXT,
	city        TEXT,
	category    TEXT,
	leads_limit INTEGER NOT NULL,
	page_offset INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_steps (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	step_number     INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	leads_received  INTEGER NOT NULL DEFAULT 0,
	leads_processed INTEGER NOT NULL DEFAULT 0,
	leads_passed    INTEGER NOT NULL DEFAULT 0,
	leads_failed    INTEGER NOT NULL DEFAULT 0,
	started_at      DATETIME,
	completed_at    DATETIME,
	UNIQUE (job_id, step_number)
);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	current_step      INTEGER NOT NULL DEFAULT 1,
	status            TEXT NOT NULL DEFAULT 'available',
	name              TEXT NOT NULL,
	source_url        TEXT NOT NULL,
	address           TEXT,
	city              TEXT,
	region            TEXT,
	country           TEXT,
	rating            REAL,
	review_count      INTEGER,
	phone             TEXT,
	website           TEXT,
	facebook_url      TEXT,
	instagram_url     TEXT,
	contact_name      TEXT,
	contact_email     TEXT,
	contact_phone     TEXT,
	validation_errors TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, source_url)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_job_steps_job_id ON job_steps(job_id);
CREATE INDEX IF NOT EXISTS idx_leads_job_step ON leads(job_id, current_step);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create job")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Platform, job.Country, job.Region, job.City, job.Category,
		job.LeadsLimit, job.PageOffset, string(job.Status), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert job")
	}

	for n := 1; n <= model.NumSteps; n++ {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_steps (id, job_id, step_number, status) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), job.ID, n, string(model.StepStatusPending),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert step %d", n)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	var country, region, city, category sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at FROM jobs WHERE id = ?`,
		jobID,
	).Scan(&j.ID, &j.Platform, &country, &region, &city, &category,
		&j.LeadsLimit, &j.PageOffset, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	j.Country = country.String
	j.Region = region.String
	j.City = city.String
	j.Category = category.String
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, filter.Platform)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var country, region, city, category sql.NullString
		if err := rows.Scan(&j.ID, &j.Platform, &country, &region, &city, &category,
			&j.LeadsLimit, &j.PageOffset, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j.Country = country.String
		j.Region = region.String
		j.City = city.String
		j.Category = category.String
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

const sqliteStepColumns = `id, job_id, step_number, status, leads_received, leads_processed, leads_passed, leads_failed, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteStep(row scannable) (*model.JobStep, error) {
	var st model.JobStep
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&st.ID, &st.JobID, &st.StepNumber, &st.Status,
		&st.LeadsReceived, &st.LeadsProcessed, &st.LeadsPassed, &st.LeadsFailed,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, jobID string, stepNumber int) (*model.JobStep, error) {
	st, err := scanSQLiteStep(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM job_steps WHERE job_id = ? AND step_number = ?`,
		jobID, stepNumber,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get step %d of job %s", stepNumber, jobID)
	}
	return st, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, jobID string) ([]model.JobStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM job_steps WHERE job_id = ? ORDER BY step_number`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list steps")
	}
	defer rows.Close()

	var steps []model.JobStep
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		steps = append(steps, *st)
	}
	return steps, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

func (s *SQLiteStore) SetStepStatus(ctx context.Context, jobID string, stepNumber int, status model.StepStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps SET status = ?,
		        started_at   = CASE WHEN ? = 'in_progress' AND started_at IS NULL THEN datetime('now') ELSE started_at END,
		        completed_at = CASE WHEN ? = 'completed' THEN datetime('now') ELSE completed_at END
		 WHERE job_id = ? AND step_number = ?`,
		string(status), string(status), string(status), jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set step %d status", stepNumber)
	}
	return checkRowsAffected(res, "step", fmt.Sprintf("%s/%d", jobID, stepNumber))
}

func (s *SQLiteStore) ClaimStep(ctx context.Context, jobID string, stepNumber int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps SET status = 'in_progress',
		        started_at = COALESCE(started_at, datetime('now'))
		 WHERE job_id = ? AND step_number = ? AND status <> 'in_progress'`,
		jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim step %d", stepNumber)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: claim step rows affected")
	}
	if n == 0 {
		return ErrStepBusy
	}
	return nil
}

func (s *SQLiteStore) RecordArrival(ctx context.Context, jobID string, stepNumber int, count int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps SET leads_received = leads_received + ?,
		        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
		 WHERE job_id = ? AND step_number = ?`,
		count, jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record arrival at step %d", stepNumber)
	}
	return checkRowsAffected(res, "step", fmt.Sprintf("%s/%d", jobID, stepNumber))
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, jobID string, stepNumber int, processed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_steps SET leads_processed = leads_processed + ?, leads_failed = leads_failed + ?
		 WHERE job_id = ? AND step_number = ?`,
		processed, failed, jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record outcome at step %d", stepNumber)
	}
	return checkRowsAffected(res, "step", fmt.Sprintf("%s/%d", jobID, stepNumber))
}

const sqliteLeadColumns = `id, job_id, current_step, status, name, source_url, address, city, region, country, rating, review_count, phone, website, facebook_url, instagram_url, contact_name, contact_email, contact_phone, validation_errors, created_at, updated_at`

func (s *SQLiteStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert leads")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted, err := insertLeadsTx(ctx, tx, leads)
	if err != nil {
		return inserted, err
	}

	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit insert leads")
}

func (s *SQLiteStore) AddDiscoveredLeads(ctx context.Context, jobID string, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin add discovered leads")
	}
	defer tx.Rollback() //nolint:errcheck

	inserted, err := insertLeadsTx(ctx, tx, leads)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_steps SET leads_received = leads_received + ?,
		        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
		 WHERE job_id = ? AND step_number = ?`,
		inserted, jobID, model.StepDiscovery,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: record discovery arrival")
	}
	if err := checkRowsAffected(res, "step", fmt.Sprintf("%s/%d", jobID, model.StepDiscovery)); err != nil {
		return 0, err
	}

	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit add discovered leads")
}

func insertLeadsTx(ctx context.Context, tx *sql.Tx, leads []model.Lead) (int, error) {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (`+sqliteLeadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert lead")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	inserted := 0
	for i := range leads {
		l := &leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.CurrentStep == 0 {
			l.CurrentStep = model.StepDiscovery
		}
		if l.Status == "" {
			l.Status = model.LeadStatusAvailable
		}
		l.CreatedAt = now
		l.UpdatedAt = now

		var validationJSON any
		if len(l.ValidationErrors) > 0 {
			b, err := json.Marshal(l.ValidationErrors)
			if err != nil {
				return inserted, eris.Wrap(err, "sqlite: marshal validation errors")
			}
			validationJSON = string(b)
		}

		_, err = stmt.ExecContext(ctx,
			l.ID, l.JobID, l.CurrentStep, string(l.Status), l.Name, l.SourceURL,
			nullStr(l.Address), nullStr(l.City), nullStr(l.Region), nullStr(l.Country),
			l.Rating, l.ReviewCount,
			nullStr(l.Phone), nullStr(l.Website), nullStr(l.FacebookURL), nullStr(l.InstagramURL),
			nullStr(l.ContactName), nullStr(l.ContactEmail), nullStr(l.ContactPhone),
			validationJSON, now, now,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: insert lead %s", l.SourceURL)
		}
		inserted++
	}

	return inserted, nil
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var address, city, region, country, phone, website, facebook, instagram,
		contactName, contactEmail, contactPhone, validationJSON sql.NullString

	err := row.Scan(&l.ID, &l.JobID, &l.CurrentStep, &l.Status, &l.Name, &l.SourceURL,
		&address, &city, &region, &country, &l.Rating, &l.ReviewCount,
		&phone, &website, &facebook, &instagram,
		&contactName, &contactEmail, &contactPhone,
		&validationJSON, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.Address = address.String
	l.City = city.String
	l.Region = region.String
	l.Country = country.String
	l.Phone = phone.String
	l.Website = website.String
	l.FacebookURL = facebook.String
	l.InstagramURL = instagram.String
	l.ContactName = contactName.String
	l.ContactEmail = contactEmail.String
	l.ContactPhone = contactPhone.String

	if validationJSON.Valid && validationJSON.String != "" {
		if err := json.Unmarshal([]byte(validationJSON.String), &l.ValidationErrors); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal validation errors")
		}
	}
	return &l, nil
}

func (s *SQLiteStore) queryLeads(ctx context.Context, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) ListStepLeads(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	return s.queryLeads(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE job_id = ? AND current_step >= ? ORDER BY created_at`,
		jobID, stepNumber,
	)
}

func (s *SQLiteStore) ListLeadsForProcessing(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	return s.queryLeads(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE job_id = ? AND current_step = ? AND status IN ('available','failed','processing') ORDER BY created_at`,
		jobID, stepNumber,
	)
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

func (s *SQLiteStore) SaveLeadEnrichment(ctx context.Context, lead *model.Lead) error {
	var validationJSON any
	if len(lead.ValidationErrors) > 0 {
		b, err := json.Marshal(lead.ValidationErrors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal validation errors")
		}
		validationJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?,
		        address = ?, city = ?, region = ?, country = ?,
		        rating = ?, review_count = ?,
		        phone = ?, website = ?, facebook_url = ?, instagram_url = ?,
		        contact_name = ?, contact_email = ?, contact_phone = ?,
		        validation_errors = ?, updated_at = ?
		 WHERE id = ?`,
		string(lead.Status),
		nullStr(lead.Address), nullStr(lead.City), nullStr(lead.Region), nullStr(lead.Country),
		lead.Rating, lead.ReviewCount,
		nullStr(lead.Phone), nullStr(lead.Website), nullStr(lead.FacebookURL), nullStr(lead.InstagramURL),
		nullStr(lead.ContactName), nullStr(lead.ContactEmail), nullStr(lead.ContactPhone),
		validationJSON, time.Now().UTC(), lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save lead enrichment %s", lead.ID)
	}
	return checkRowsAffected(res, "lead", lead.ID)
}

func (s *SQLiteStore) PassLeads(ctx context.Context, jobID string, stepNumber int, leadIDs []string) (*PassResult, error) {
	if len(leadIDs) == 0 {
		return nil, eris.New("sqlite: pass leads: empty selection")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin pass")
	}
	defer tx.Rollback() //nolint:errcheck

	nextStatus := model.LeadStatusAvailable
	if stepNumber == model.FinalStep {
		nextStatus = model.LeadStatusPassed
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(leadIDs)), ",")
	args := []any{string(nextStatus), jobID, stepNumber}
	for _, id := range leadIDs {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE leads SET current_step = current_step + 1, status = ?, updated_at = datetime('now')
		 WHERE job_id = ? AND current_step = ? AND status IN ('available','processed') AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: advance leads")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	moved := int(n)
	if moved == 0 {
		return nil, eris.Errorf("no eligible leads to pass at step %d", stepNumber)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_steps SET leads_passed = leads_passed + ?, status = 'completed', completed_at = datetime('now')
		 WHERE job_id = ? AND step_number = ?`,
		moved, jobID, stepNumber,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: complete source step")
	}

	if stepNumber < model.FinalStep {
		_, err = tx.ExecContext(ctx,
			`UPDATE job_steps SET leads_received = leads_received + ?,
			        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
			 WHERE job_id = ? AND step_number = ?`,
			moved, jobID, stepNumber+1,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: reopen dest step")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit pass")
	}

	result := &PassResult{Moved: moved}
	if result.SourceStep, err = s.GetStep(ctx, jobID, stepNumber); err != nil {
		return nil, err
	}
	if stepNumber < model.FinalStep {
		if result.DestStep, err = s.GetStep(ctx, jobID, stepNumber+1); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
