package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen-cli/internal/db"
	"github.com/sells-group/leadgen-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":            `SELECT id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at FROM jobs WHERE id = $1`,
	"update_job_status":  `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_step":           `SELECT id, job_id, step_number, status, leads_received, leads_processed, leads_passed, leads_failed, started_at, completed_at FROM job_steps WHERE job_id = $1 AND step_number = $2`,
	"update_lead_status": `UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
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
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
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
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
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
	rating            DOUBLE PRECISION,
	review_count      INTEGER,
	phone             TEXT,
	website           TEXT,
	facebook_url      TEXT,
	instagram_url     TEXT,
	contact_name      TEXT,
	contact_email     TEXT,
	contact_phone     TEXT,
	validation_errors JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, source_url)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_job_steps_job_id ON job_steps(job_id);
CREATE INDEX IF NOT EXISTS idx_leads_job_step ON leads(job_id, current_step);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(job_id, current_step, status);
`

// leadColumns is the column order shared by inserts and scans.
const leadColumns = `id, job_id, current_step, status, name, source_url, address, city, region, country, rating, review_count, phone, website, facebook_url, instagram_url, contact_name, contact_email, contact_phone, validation_errors, created_at, updated_at`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create job")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Platform, job.Country, job.Region, job.City, job.Category,
		job.LeadsLimit, job.PageOffset, string(job.Status), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert job")
	}

	for n := 1; n <= model.NumSteps; n++ {
		_, err = tx.Exec(ctx,
			`INSERT INTO job_steps (id, job_id, step_number, status) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), job.ID, n, string(model.StepStatusPending),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert step %d", n)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.Platform, &j.Country, &j.Region, &j.City, &j.Category,
		&j.LeadsLimit, &j.PageOffset, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, platform, country, region, city, category, leads_limit, page_offset, status, created_at, updated_at FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Platform != "" {
		query += fmt.Sprintf(` AND platform = $%d`, argIdx)
		args = append(args, filter.Platform)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Platform, &j.Country, &j.Region, &j.City, &j.Category,
			&j.LeadsLimit, &j.PageOffset, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

const stepColumns = `id, job_id, step_number, status, leads_received, leads_processed, leads_passed, leads_failed, started_at, completed_at`

func scanStep(row pgx.Row) (*model.JobStep, error) {
	var st model.JobStep
	err := row.Scan(&st.ID, &st.JobID, &st.StepNumber, &st.Status,
		&st.LeadsReceived, &st.LeadsProcessed, &st.LeadsPassed, &st.LeadsFailed,
		&st.StartedAt, &st.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, jobID string, stepNumber int) (*model.JobStep, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE job_id = $1 AND step_number = $2`,
		jobID, stepNumber,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get step %d of job %s", stepNumber, jobID)
	}
	return st, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, jobID string) ([]model.JobStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE job_id = $1 ORDER BY step_number`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list steps")
	}
	defer rows.Close()

	var steps []model.JobStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}
		steps = append(steps, *st)
	}
	return steps, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

func (s *PostgresStore) SetStepStatus(ctx context.Context, jobID string, stepNumber int, status model.StepStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET status = $1,
		        started_at   = CASE WHEN $1 = 'in_progress' AND started_at IS NULL THEN now() ELSE started_at END,
		        completed_at = CASE WHEN $1 = 'completed' THEN now() ELSE completed_at END
		 WHERE job_id = $2 AND step_number = $3`,
		string(status), jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set step %d status", stepNumber)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("step not found: job %s step %d", jobID, stepNumber)
	}
	return nil
}

func (s *PostgresStore) ClaimStep(ctx context.Context, jobID string, stepNumber int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET status = 'in_progress',
		        started_at = COALESCE(started_at, now())
		 WHERE job_id = $1 AND step_number = $2 AND status <> 'in_progress'`,
		jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim step %d", stepNumber)
	}
	if tag.RowsAffected() == 0 {
		return ErrStepBusy
	}
	return nil
}

func (s *PostgresStore) RecordArrival(ctx context.Context, jobID string, stepNumber int, count int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET leads_received = leads_received + $1,
		        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
		 WHERE job_id = $2 AND step_number = $3`,
		count, jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record arrival at step %d", stepNumber)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("step not found: job %s step %d", jobID, stepNumber)
	}
	return nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, jobID string, stepNumber int, processed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET leads_processed = leads_processed + $1, leads_failed = leads_failed + $2
		 WHERE job_id = $3 AND step_number = $4`,
		processed, failed, jobID, stepNumber,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record outcome at step %d", stepNumber)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("step not found: job %s step %d", jobID, stepNumber)
	}
	return nil
}

func (s *PostgresStore) InsertLeads(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	rows, err := buildLeadRows(leads)
	if err != nil {
		return 0, err
	}

	n, err := db.CopyFrom(ctx, s.pool, "leads", leadColumnList(), rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert leads")
	}
	return int(n), nil
}

func (s *PostgresStore) AddDiscoveredLeads(ctx context.Context, jobID string, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	rows, err := buildLeadRows(leads)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin add discovered leads")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"leads"}, leadColumnList(), pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: copy discovered leads")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE job_steps SET leads_received = leads_received + $1,
		        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
		 WHERE job_id = $2 AND step_number = $3`,
		int(n), jobID, model.StepDiscovery,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: record discovery arrival")
	}
	if tag.RowsAffected() == 0 {
		return 0, eris.Errorf("step not found: job %s step %d", jobID, model.StepDiscovery)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit add discovered leads")
	}
	return int(n), nil
}

func buildLeadRows(leads []model.Lead) ([][]any, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(leads))
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

		var validationJSON []byte
		if len(l.ValidationErrors) > 0 {
			var err error
			validationJSON, err = json.Marshal(l.ValidationErrors)
			if err != nil {
				return nil, eris.Wrap(err, "postgres: marshal validation errors")
			}
		}

		rows = append(rows, []any{
			l.ID, l.JobID, l.CurrentStep, string(l.Status), l.Name, l.SourceURL,
			nullStr(l.Address), nullStr(l.City), nullStr(l.Region), nullStr(l.Country),
			l.Rating, l.ReviewCount,
			nullStr(l.Phone), nullStr(l.Website), nullStr(l.FacebookURL), nullStr(l.InstagramURL),
			nullStr(l.ContactName), nullStr(l.ContactEmail), nullStr(l.ContactPhone),
			validationJSON, now, now,
		})
	}
	return rows, nil
}

func leadColumnList() []string {
	return []string{
		"id", "job_id", "current_step", "status", "name", "source_url",
		"address", "city", "region", "country", "rating", "review_count",
		"phone", "website", "facebook_url", "instagram_url",
		"contact_name", "contact_email", "contact_phone",
		"validation_errors", "created_at", "updated_at",
	}
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var address, city, region, country, phone, website, facebook, instagram,
		contactName, contactEmail, contactPhone *string
	var validationJSON []byte

	err := row.Scan(&l.ID, &l.JobID, &l.CurrentStep, &l.Status, &l.Name, &l.SourceURL,
		&address, &city, &region, &country, &l.Rating, &l.ReviewCount,
		&phone, &website, &facebook, &instagram,
		&contactName, &contactEmail, &contactPhone,
		&validationJSON, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.Address = deref(address)
	l.City = deref(city)
	l.Region = deref(region)
	l.Country = deref(country)
	l.Phone = deref(phone)
	l.Website = deref(website)
	l.FacebookURL = deref(facebook)
	l.InstagramURL = deref(instagram)
	l.ContactName = deref(contactName)
	l.ContactEmail = deref(contactEmail)
	l.ContactPhone = deref(contactPhone)

	if len(validationJSON) > 0 {
		if err := json.Unmarshal(validationJSON, &l.ValidationErrors); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal validation errors")
		}
	}
	return &l, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *PostgresStore) queryLeads(ctx context.Context, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (s *PostgresStore) ListStepLeads(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	// Status-agnostic by design: the step view owns every lead that has
	// reached it, and display status is derived from current_step.
	return s.queryLeads(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE job_id = $1 AND current_step >= $2 ORDER BY created_at`,
		jobID, stepNumber,
	)
}

func (s *PostgresStore) ListLeadsForProcessing(ctx context.Context, jobID string, stepNumber int) ([]model.Lead, error) {
	// Leads still marked processing were orphaned by an interrupted run;
	// the step claim guarantees no live invocation owns them.
	return s.queryLeads(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE job_id = $1 AND current_step = $2 AND status IN ('available','failed','processing') ORDER BY created_at`,
		jobID, stepNumber,
	)
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, leadID string, status model.LeadStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", leadID)
	}
	return nil
}

func (s *PostgresStore) SaveLeadEnrichment(ctx context.Context, lead *model.Lead) error {
	var validationJSON []byte
	if len(lead.ValidationErrors) > 0 {
		var err error
		validationJSON, err = json.Marshal(lead.ValidationErrors)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal validation errors")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1,
		        address = $2, city = $3, region = $4, country = $5,
		        rating = $6, review_count = $7,
		        phone = $8, website = $9, facebook_url = $10, instagram_url = $11,
		        contact_name = $12, contact_email = $13, contact_phone = $14,
		        validation_errors = $15, updated_at = $16
		 WHERE id = $17`,
		string(lead.Status),
		nullStr(lead.Address), nullStr(lead.City), nullStr(lead.Region), nullStr(lead.Country),
		lead.Rating, lead.ReviewCount,
		nullStr(lead.Phone), nullStr(lead.Website), nullStr(lead.FacebookURL), nullStr(lead.InstagramURL),
		nullStr(lead.ContactName), nullStr(lead.ContactEmail), nullStr(lead.ContactPhone),
		validationJSON, time.Now().UTC(), lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save lead enrichment %s", lead.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("lead not found: %s", lead.ID)
	}
	return nil
}

func (s *PostgresStore) PassLeads(ctx context.Context, jobID string, stepNumber int, leadIDs []string) (*PassResult, error) {
	if len(leadIDs) == 0 {
		return nil, eris.New("postgres: pass leads: empty selection")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin pass")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	nextStatus := model.LeadStatusAvailable
	if stepNumber == model.FinalStep {
		nextStatus = model.LeadStatusPassed
	}

	tag, err := tx.Exec(ctx,
		`UPDATE leads SET current_step = current_step + 1, status = $1, updated_at = now()
		 WHERE job_id = $2 AND current_step = $3 AND status IN ('available','processed') AND id = ANY($4)`,
		string(nextStatus), jobID, stepNumber, leadIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: advance leads")
	}
	moved := int(tag.RowsAffected())
	if moved == 0 {
		return nil, eris.Errorf("no eligible leads to pass at step %d", stepNumber)
	}

	// Passing a subset is a deliberate qualification decision: the source
	// step completes unconditionally, whatever remains behind.
	source, err := scanStep(tx.QueryRow(ctx,
		`UPDATE job_steps SET leads_passed = leads_passed + $1, status = 'completed', completed_at = now()
		 WHERE job_id = $2 AND step_number = $3
		 RETURNING `+stepColumns,
		moved, jobID, stepNumber,
	))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: complete source step")
	}

	result := &PassResult{Moved: moved, SourceStep: source}

	if stepNumber < model.FinalStep {
		dest, err := scanStep(tx.QueryRow(ctx,
			`UPDATE job_steps SET leads_received = leads_received + $1,
			        status = CASE WHEN status IN ('pending','completed') THEN 'action_required' ELSE status END
			 WHERE job_id = $2 AND step_number = $3
			 RETURNING `+stepColumns,
			moved, jobID, stepNumber+1,
		))
		if err != nil {
			return nil, eris.Wrap(err, "postgres: reopen dest step")
		}
		result.DestStep = dest
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit pass")
	}
	return result, nil
}
