package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type columnKind int

const (
	colText columnKind = iota
	colDate
	colNumber
	colJSON
)

type jobColumn struct {
	name string
	kind columnKind
}

// jobColumns is the single source of truth for the writable job columns.
// jobArgs and scanJob must follow the same order.
var jobColumns = []jobColumn{
	{"client_name", colText},
	{"site_address", colText},
	{"quote_date", colDate},
	{"quote_number", colText},
	{"company_name", colText},
	{"contact_name", colText},
	{"phone", colText},
	{"email", colText},
	{"project_notes", colText},
	{"tax_rate", colNumber},
	{"discount", colNumber},
	{"payment_terms", colText},
	{"scope_of_work", colText},
	{"disclaimers", colText},
	{"todos", colJSON},
	{"section_scopes", colJSON},
	{"section_disclaimers", colJSON},
	{"contractor_section_disclaimers", colJSON},
	{"section_upcharges", colJSON},
	{"section_todos", colJSON},
	{"section_meetings", colJSON},
	{"contractor_assignments", colJSON},
	{"testing_calibration", colJSON},
	{"testing_assignments", colJSON},
	{"testing_schedules", colJSON},
	{"files", colJSON},
}

func placeholder(col jobColumn, n int) string {
	switch col.kind {
	case colDate:
		return fmt.Sprintf("NULLIF($%d, '')::date", n)
	case colJSON:
		return fmt.Sprintf("$%d::jsonb", n)
	default:
		return fmt.Sprintf("$%d", n)
	}
}

func selectExpr(col jobColumn) string {
	switch col.kind {
	case colDate:
		return fmt.Sprintf("COALESCE(to_char(%s, 'YYYY-MM-DD'), '')", col.name)
	case colNumber:
		return col.name + "::float8"
	default:
		return col.name
	}
}

var (
	insertJobSQL = buildInsertJobSQL()
	updateJobSQL = buildUpdateJobSQL()
	selectJobSQL = buildSelectJobSQL()
)

func buildInsertJobSQL() string {
	names := make([]string, 0, len(jobColumns))
	values := make([]string, 0, len(jobColumns))
	for i, col := range jobColumns {
		names = append(names, col.name)
		values = append(values, placeholder(col, i+1))
	}
	return fmt.Sprintf(
		"INSERT INTO jobs (%s) VALUES (%s) RETURNING id, version, created_at, updated_at",
		strings.Join(names, ", "), strings.Join(values, ", "),
	)
}

func buildUpdateJobSQL() string {
	sets := make([]string, 0, len(jobColumns)+2)
	for i, col := range jobColumns {
		sets = append(sets, fmt.Sprintf("%s = %s", col.name, placeholder(col, i+1)))
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")
	return fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d RETURNING version, updated_at",
		strings.Join(sets, ", "), len(jobColumns)+1,
	)
}

func buildSelectJobSQL() string {
	exprs := make([]string, 0, len(jobColumns))
	for _, col := range jobColumns {
		exprs = append(exprs, selectExpr(col))
	}
	return fmt.Sprintf("SELECT id, version, created_at, updated_at, %s FROM jobs", strings.Join(exprs, ", "))
}

func jobArgs(doc jobdoc.Document) ([]any, error) {
	doc.Normalize()
	jsonValues := []any{
		doc.Todos,
		doc.SectionScopes,
		doc.SectionDisclaimers,
		doc.ContractorSectionDisclaimers,
		doc.SectionUpcharges,
		doc.SectionTodos,
		doc.SectionMeetings,
		doc.ContractorAssignments,
		doc.TestingCalibration,
		doc.TestingAssignments,
		doc.TestingSchedules,
		doc.Files,
	}
	args := []any{
		doc.ClientName,
		doc.SiteAddress,
		strings.TrimSpace(doc.QuoteDate),
		doc.QuoteNumber,
		doc.CompanyName,
		doc.ContactName,
		doc.Phone,
		doc.Email,
		doc.ProjectNotes,
		float64(doc.TaxRate),
		float64(doc.Discount),
		doc.PaymentTerms,
		doc.ScopeOfWork,
		doc.Disclaimers,
	}
	for _, value := range jsonValues {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal job column: %w", err)
		}
		args = append(args, string(raw))
	}
	return args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobdoc.Document, error) {
	var (
		doc                jobdoc.Document
		id                 int64
		createdAt          time.Time
		updatedAt          time.Time
		taxRate, discount  float64
		todos, scopes      []byte
		disclaimers        []byte
		contractorDisc     []byte
		upcharges          []byte
		sectionTodos       []byte
		meetings           []byte
		assignments        []byte
		calibration        []byte
		testingAssignments []byte
		schedules          []byte
		files              []byte
	)
	err := row.Scan(
		&id, &doc.Version, &createdAt, &updatedAt,
		&doc.ClientName, &doc.SiteAddress, &doc.QuoteDate, &doc.QuoteNumber,
		&doc.CompanyName, &doc.ContactName, &doc.Phone, &doc.Email,
		&doc.ProjectNotes, &taxRate, &discount, &doc.PaymentTerms,
		&doc.ScopeOfWork, &doc.Disclaimers,
		&todos, &scopes, &disclaimers, &contractorDisc, &upcharges, &sectionTodos,
		&meetings, &assignments, &calibration, &testingAssignments, &schedules, &files,
	)
	if err != nil {
		return jobdoc.Document{}, err
	}

	targets := []struct {
		raw  []byte
		dest any
	}{
		{todos, &doc.Todos},
		{scopes, &doc.SectionScopes},
		{disclaimers, &doc.SectionDisclaimers},
		{contractorDisc, &doc.ContractorSectionDisclaimers},
		{upcharges, &doc.SectionUpcharges},
		{sectionTodos, &doc.SectionTodos},
		{meetings, &doc.SectionMeetings},
		{assignments, &doc.ContractorAssignments},
		{calibration, &doc.TestingCalibration},
		{testingAssignments, &doc.TestingAssignments},
		{schedules, &doc.TestingSchedules},
		{files, &doc.Files},
	}
	for _, target := range targets {
		if len(target.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(target.raw, target.dest); err != nil {
			return jobdoc.Document{}, fmt.Errorf("decode job %d column: %w", id, err)
		}
	}

	doc.ID = jobdoc.IntID(id)
	doc.TaxRate = jobdoc.Number(taxRate)
	doc.Discount = jobdoc.Number(discount)
	doc.CreatedAt = &createdAt
	doc.UpdatedAt = &updatedAt
	doc.Normalize()
	return doc, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]JobSummary, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_name, site_address, quote_number,
			COALESCE(to_char(quote_date, 'YYYY-MM-DD'), ''), version, created_at, updated_at
		FROM jobs
		ORDER BY updated_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]JobSummary, 0)
	for rows.Next() {
		var item JobSummary
		if err := rows.Scan(&item.ID, &item.ClientName, &item.SiteAddress, &item.QuoteNumber,
			&item.QuoteDate, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestJob(ctx context.Context) (jobdoc.Document, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs ORDER BY updated_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("latest job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (jobdoc.Document, error) {
	return getJob(ctx, s.db, id, false)
}

func getJob(ctx context.Context, q querier, id int64, forUpdate bool) (jobdoc.Document, error) {
	query := selectJobSQL + " WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	doc, err := scanJob(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("get job %d: %w", id, err)
	}
	items, err := listItems(ctx, q, id)
	if err != nil {
		return jobdoc.Document{}, err
	}
	doc.Items = items
	return doc, nil
}

func listItems(ctx context.Context, q querier, jobID int64) ([]jobdoc.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, category, description, qty::float8, cost::float8, price::float8
		FROM job_items
		WHERE job_id = $1
		ORDER BY position, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()

	out := make([]jobdoc.LineItem, 0)
	for rows.Next() {
		var (
			item             jobdoc.LineItem
			qty, cost, price float64
		)
		if err := rows.Scan(&item.UID, &item.Category, &item.Description, &qty, &cost, &price); err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		item.Qty = jobdoc.Number(qty)
		item.Cost = jobdoc.Number(cost)
		item.Price = jobdoc.Number(price)
		out = append(out, item)
	}
	return out, rows.Err()
}

// replaceItems deletes every item of the job and inserts items in order.
func replaceItems(ctx context.Context, q querier, jobID int64, items []jobdoc.LineItem) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM job_items WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job items: %w", err)
	}
	for i, item := range items {
		_, err := q.ExecContext(ctx, `
			INSERT INTO job_items (job_id, uid, position, category, description, qty, cost, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, jobID, item.UID, i, item.Category, item.Description,
			float64(item.Qty), float64(item.Cost), float64(item.Price))
		if err != nil {
			return fmt.Errorf("insert job item: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, doc jobdoc.Document) (SaveResult, error) {
	doc = prepareForWrite(doc, nil, doc.Files, nil)
	args, err := jobArgs(doc)
	if err != nil {
		return SaveResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, fmt.Errorf("begin create job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result SaveResult
	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, insertJobSQL, args...).Scan(&result.ID, &result.Version, &createdAt, &result.UpdatedAt); err != nil {
		return SaveResult{}, fmt.Errorf("insert job: %w", err)
	}
	if err := replaceItems(ctx, tx, result.ID, doc.Items); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("commit create job: %w", err)
	}
	result.Files = doc.Files
	result.Items = doc.Items
	return result, nil
}

// UpdateJob overwrites scalars and maps, fully replaces line items and
// merges files against the stored list with the caller's tombstones.
func (s *PostgresStore) UpdateJob(ctx context.Context, id int64, in UpdateJobInput) (SaveResult, error) {
	var dropped []jobdoc.FileLink
	doc, err := s.MutateJob(ctx, id, in.ExpectedVersion, func(current *jobdoc.Document) error {
		next := prepareForWrite(in.Document, current.Files, in.Document.Files, in.DeletedFileKeys)
		dropped = merge.MissingFiles(current.Files, next.Files)
		*current = next
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	result := resultOf(doc)
	result.Dropped = dropped
	return result, nil
}

// MutateJob loads the job under a row lock, applies fn and writes the whole
// document back in one transaction, bumping the version.
func (s *PostgresStore) MutateJob(ctx context.Context, id int64, expected *int64, fn func(*jobdoc.Document) error) (jobdoc.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("begin update job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getJob(ctx, tx, id, true)
	if err != nil {
		return jobdoc.Document{}, err
	}
	if expected != nil && *expected != current.Version {
		return jobdoc.Document{}, &ConflictError{JobID: id, Expected: *expected, Current: current.Version}
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return jobdoc.Document{}, err
	}
	next.Items = merge.EnsureItemUIDs(next.Items)

	args, err := jobArgs(next)
	if err != nil {
		return jobdoc.Document{}, err
	}
	args = append(args, id)
	var updatedAt time.Time
	if err := tx.QueryRowContext(ctx, updateJobSQL, args...).Scan(&next.Version, &updatedAt); err != nil {
		return jobdoc.Document{}, fmt.Errorf("update job %d: %w", id, err)
	}
	if err := replaceItems(ctx, tx, id, next.Items); err != nil {
		return jobdoc.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return jobdoc.Document{}, fmt.Errorf("commit update job: %w", err)
	}

	next.ID = jobdoc.IntID(id)
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = &updatedAt
	next.Normalize()
	return next, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete job %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) CreateContractorLink(ctx context.Context, link ContractorLink) (ContractorLink, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO contractor_links (short_code, job_id, contractor_name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, link.ShortCode, link.JobID, link.ContractorName).Scan(&link.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return ContractorLink{}, ErrCodeTaken
			case pgForeignKeyViolation:
				return ContractorLink{}, fmt.Errorf("job %d: %w", link.JobID, sql.ErrNoRows)
			}
		}
		return ContractorLink{}, fmt.Errorf("insert contractor link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetContractorLink(ctx context.Context, code string) (ContractorLink, error) {
	var link ContractorLink
	err := s.db.QueryRowContext(ctx, `
		SELECT short_code, job_id, contractor_name, created_at
		FROM contractor_links
		WHERE short_code = $1
	`, code).Scan(&link.ShortCode, &link.JobID, &link.ContractorName, &link.CreatedAt)
	if err != nil {
		return ContractorLink{}, fmt.Errorf("get contractor link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) ListContractorLinks(ctx context.Context, jobID int64) ([]ContractorLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT short_code, job_id, contractor_name, created_at
		FROM contractor_links
		WHERE job_id = $1
		ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list contractor links: %w", err)
	}
	defer rows.Close()

	out := make([]ContractorLink, 0)
	for rows.Next() {
		var link ContractorLink
		if err := rows.Scan(&link.ShortCode, &link.JobID, &link.ContractorName, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contractor link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPackageTemplates(ctx context.Context) ([]PackageTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, description, items, created_at, updated_at
		FROM package_templates
		ORDER BY category, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list package templates: %w", err)
	}
	defer rows.Close()

	out := make([]PackageTemplate, 0)
	for rows.Next() {
		item, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPackageTemplate(ctx context.Context, id int64) (PackageTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, description, items, created_at, updated_at
		FROM package_templates
		WHERE id = $1
	`, id)
	item, err := scanTemplate(row)
	if err != nil {
		return PackageTemplate{}, fmt.Errorf("get package template: %w", err)
	}
	return item, nil
}

func scanTemplate(row rowScanner) (PackageTemplate, error) {
	var (
		item PackageTemplate
		raw  []byte
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Category, &item.Description, &raw, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return PackageTemplate{}, err
	}
	if err := json.Unmarshal(raw, &item.Items); err != nil {
		return PackageTemplate{}, fmt.Errorf("decode template items: %w", err)
	}
	if item.Items == nil {
		item.Items = []jobdoc.LineItem{}
	}
	return item, nil
}

// UpsertPackageTemplate inserts a template or replaces the one with the same name.
func (s *PostgresStore) UpsertPackageTemplate(ctx context.Context, item PackageTemplate) (PackageTemplate, error) {
	raw, err := json.Marshal(templateItems(item))
	if err != nil {
		return PackageTemplate{}, fmt.Errorf("marshal template items: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO package_templates (name, category, description, items)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (name) DO UPDATE
			SET category = EXCLUDED.category,
				description = EXCLUDED.description,
				items = EXCLUDED.items,
				updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, item.Name, item.Category, item.Description, string(raw)).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return PackageTemplate{}, fmt.Errorf("upsert package template: %w", err)
	}
	item.Items = templateItems(item)
	return item, nil
}

func (s *PostgresStore) CountPackageTemplates(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM package_templates`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count package templates: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
