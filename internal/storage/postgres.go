/**
 * PostgreSQL client for the guide pipeline worker.
 *
 * Owns projects, pages, persisted guides, and analyze-run bookkeeping.
 * Status transitions are compare-and-set updates so concurrent workers
 * can never race a project out of its state machine.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Project statuses
const (
	StatusDraft           = "draft"
	StatusReady           = "ready"
	StatusProcessing      = "processing"
	StatusValidated       = "validated"
	StatusProvisionalOnly = "provisional_only"
	StatusFailed          = "failed"
)

// Analyze run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = fmt.Errorf("not found")

// ErrStatusConflict is returned when a compare-and-set transition finds
// the project in an unexpected status
var ErrStatusConflict = fmt.Errorf("project status conflict")

// Project is one guide analysis project
type Project struct {
	ID        string
	OwnerID   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page is one uploaded page image of a project, ordered by upload
type Page struct {
	ID        string
	ProjectID string
	PageOrder int // 1-based upload order
	FilePath  string
	Width     int
	Height    int
}

// GuideRecord holds the persisted guide artifacts of a project
type GuideRecord struct {
	ProjectID        string
	Provisional      json.RawMessage
	Stable           json.RawMessage
	ConfidenceReport json.RawMessage
	UpdatedAt        time.Time
}

// AnalyzeRun is the bookkeeping row for one pipeline execution
type AnalyzeRun struct {
	ID             string
	ProjectID      string
	Status         string
	CurrentStep    string
	PagesProcessed int
	ErrorStage     string
	ErrorPage      int
	ErrorCode      string
	ErrorMessage   string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// CreateProject inserts a new draft project
func (p *PostgresClient) CreateProject(ctx context.Context, projectID, ownerID string) (*Project, error) {
	if projectID == "" || ownerID == "" {
		return nil, fmt.Errorf("project ID and owner ID are required")
	}

	query := `
		INSERT INTO guidepipeline.projects (id, owner_id, status, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, NOW(), NOW())
		RETURNING id, owner_id, status, created_at, updated_at
	`

	var project Project
	err := p.db.QueryRowContext(ctx, query, projectID, ownerID, StatusDraft).Scan(
		&project.ID, &project.OwnerID, &project.Status, &project.CreatedAt, &project.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return &project, nil
}

// GetProject retrieves a project scoped to its owner
func (p *PostgresClient) GetProject(ctx context.Context, projectID, ownerID string) (*Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	query := `
		SELECT id, owner_id, status, created_at, updated_at
		FROM guidepipeline.projects
		WHERE id = $1::uuid AND owner_id = $2
	`

	var project Project
	err := p.db.QueryRowContext(ctx, query, projectID, ownerID).Scan(
		&project.ID, &project.OwnerID, &project.Status, &project.CreatedAt, &project.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &project, nil
}

// TransitionProject moves a project between statuses with compare-and-set
// semantics: the update only applies when the project currently holds one
// of the expected statuses.
func (p *PostgresClient) TransitionProject(ctx context.Context, projectID, toStatus string, fromStatuses ...string) error {
	if len(fromStatuses) == 0 {
		return fmt.Errorf("at least one expected status is required")
	}

	query := `
		UPDATE guidepipeline.projects
		SET status = $2, updated_at = NOW()
		WHERE id = $1::uuid AND status = ANY($3)
	`

	result, err := p.db.ExecContext(ctx, query, projectID, toStatus, pq.Array(fromStatuses))
	if err != nil {
		return fmt.Errorf("failed to transition project %s to %s: %w", projectID, toStatus, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read transition result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s not in %v: %w", projectID, fromStatuses, ErrStatusConflict)
	}

	return nil
}

// AddPage appends a page to a project. Refused once analysis has started.
func (p *PostgresClient) AddPage(ctx context.Context, page *Page) error {
	if page.ProjectID == "" || page.FilePath == "" {
		return fmt.Errorf("project ID and file path are required")
	}
	if page.PageOrder < 1 {
		return fmt.Errorf("page order must be 1-based, got %d", page.PageOrder)
	}

	// The status predicate makes the insert and the state check atomic
	query := `
		INSERT INTO guidepipeline.pages (id, project_id, page_order, file_path, width, height, created_at)
		SELECT $1::uuid, $2::uuid, $3, $4, $5, $6, NOW()
		WHERE EXISTS (
			SELECT 1 FROM guidepipeline.projects
			WHERE id = $2::uuid AND status IN ($7, $8)
		)
	`

	result, err := p.db.ExecContext(ctx, query,
		page.ID, page.ProjectID, page.PageOrder, page.FilePath, page.Width, page.Height,
		StatusDraft, StatusReady,
	)
	if err != nil {
		return fmt.Errorf("failed to add page %d to project %s: %w", page.PageOrder, page.ProjectID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read page insert result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s does not accept pages in its current status: %w", page.ProjectID, ErrStatusConflict)
	}

	return nil
}

// ListPages returns a project's pages in upload order
func (p *PostgresClient) ListPages(ctx context.Context, projectID string) ([]Page, error) {
	query := `
		SELECT id, project_id, page_order, file_path, width, height
		FROM guidepipeline.pages
		WHERE project_id = $1::uuid
		ORDER BY page_order ASC
	`

	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var page Page
		if err := rows.Scan(&page.ID, &page.ProjectID, &page.PageOrder, &page.FilePath, &page.Width, &page.Height); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pages: %w", err)
	}

	return pages, nil
}

// SaveProvisionalGuide upserts the provisional guide JSON for a project
func (p *PostgresClient) SaveProvisionalGuide(ctx context.Context, projectID string, provisional json.RawMessage) error {
	query := `
		INSERT INTO guidepipeline.visual_guides (project_id, provisional, updated_at)
		VALUES ($1::uuid, $2::jsonb, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			provisional = EXCLUDED.provisional,
			updated_at = NOW()
	`

	if _, err := p.db.ExecContext(ctx, query, projectID, []byte(provisional)); err != nil {
		return fmt.Errorf("failed to save provisional guide for project %s: %w", projectID, err)
	}
	return nil
}

// SaveConsolidation upserts the stable guide (nullable) and the confidence
// report in one statement so the two artifacts can never diverge
func (p *PostgresClient) SaveConsolidation(ctx context.Context, projectID string, stable, confidenceReport json.RawMessage) error {
	query := `
		INSERT INTO guidepipeline.visual_guides (project_id, stable, confidence_report, updated_at)
		VALUES ($1::uuid, $2::jsonb, $3::jsonb, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			stable = EXCLUDED.stable,
			confidence_report = EXCLUDED.confidence_report,
			updated_at = NOW()
	`

	var stableArg interface{}
	if stable != nil {
		stableArg = []byte(stable)
	}

	if _, err := p.db.ExecContext(ctx, query, projectID, stableArg, []byte(confidenceReport)); err != nil {
		return fmt.Errorf("failed to save consolidation for project %s: %w", projectID, err)
	}
	return nil
}

// GetGuideRecord returns the persisted guide artifacts of a project
func (p *PostgresClient) GetGuideRecord(ctx context.Context, projectID string) (*GuideRecord, error) {
	query := `
		SELECT project_id, provisional, stable, confidence_report, updated_at
		FROM guidepipeline.visual_guides
		WHERE project_id = $1::uuid
	`

	var record GuideRecord
	var provisional, stable, confidence []byte
	err := p.db.QueryRowContext(ctx, query, projectID).Scan(
		&record.ProjectID, &provisional, &stable, &confidence, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("guide for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guide record: %w", err)
	}

	record.Provisional = provisional
	record.Stable = stable
	record.ConfidenceReport = confidence
	return &record, nil
}

// CreateAnalyzeRun inserts a running analyze-run row
func (p *PostgresClient) CreateAnalyzeRun(ctx context.Context, runID, projectID string) error {
	query := `
		INSERT INTO guidepipeline.analyze_runs (id, project_id, status, current_step, pages_processed, started_at)
		VALUES ($1::uuid, $2::uuid, $3, 'queued', 0, NOW())
	`

	if _, err := p.db.ExecContext(ctx, query, runID, projectID, RunStatusRunning); err != nil {
		return fmt.Errorf("failed to create analyze run %s: %w", runID, err)
	}
	return nil
}

// UpdateRunProgress records the current step and processed-page frontier
func (p *PostgresClient) UpdateRunProgress(ctx context.Context, runID, currentStep string, pagesProcessed int) error {
	query := `
		UPDATE guidepipeline.analyze_runs
		SET current_step = $2, pages_processed = $3
		WHERE id = $1::uuid
	`

	if _, err := p.db.ExecContext(ctx, query, runID, currentStep, pagesProcessed); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal, recording the failure context when the
// run did not complete
func (p *PostgresClient) FinishRun(ctx context.Context, runID, status, errorStage string, errorPage int, errorCode, errorMessage string) error {
	query := `
		UPDATE guidepipeline.analyze_runs
		SET status = $2,
			error_stage = NULLIF($3, ''),
			error_page = NULLIF($4, 0),
			error_code = NULLIF($5, ''),
			error_message = NULLIF($6, ''),
			finished_at = NOW()
		WHERE id = $1::uuid
	`

	if _, err := p.db.ExecContext(ctx, query, runID, status, errorStage, errorPage, errorCode, errorMessage); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// GetLatestRun returns the most recent analyze run for a project
func (p *PostgresClient) GetLatestRun(ctx context.Context, projectID string) (*AnalyzeRun, error) {
	query := `
		SELECT id, project_id, status, current_step, pages_processed,
			COALESCE(error_stage, ''), COALESCE(error_page, 0),
			COALESCE(error_code, ''), COALESCE(error_message, ''),
			started_at, finished_at
		FROM guidepipeline.analyze_runs
		WHERE project_id = $1::uuid
		ORDER BY started_at DESC
		LIMIT 1
	`

	var run AnalyzeRun
	var finishedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, projectID).Scan(
		&run.ID, &run.ProjectID, &run.Status, &run.CurrentStep, &run.PagesProcessed,
		&run.ErrorStage, &run.ErrorPage, &run.ErrorCode, &run.ErrorMessage,
		&run.StartedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analyze run for project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
