/**
 * Analyze run orchestrator.
 *
 * Drives one full pipeline execution for a project: build the provisional
 * guide from page 1, validate it against the remaining pages concurrently,
 * aggregate stability, consolidate, persist exactly once, and settle the
 * project into its terminal status. Single-page projects validate the
 * guide against their own source page.
 */

package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/planlens/guidepipeline-worker/internal/clients"
	"github.com/planlens/guidepipeline-worker/internal/config"
	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/guide"
	"github.com/planlens/guidepipeline-worker/internal/logging"
	"github.com/planlens/guidepipeline-worker/internal/observation"
	"github.com/planlens/guidepipeline-worker/internal/storage"
)

// Pipeline step names reported through progress tracking
const (
	StepQueued        = "queued"
	StepBuildingGuide = "building_guide"
	StepApplyingGuide = "applying_guide"
	StepAggregating   = "aggregating"
	StepConsolidating = "consolidating"
	StepFinished      = "finished"
)

// ProjectStore is the persistence surface the orchestrator needs
type ProjectStore interface {
	GetProject(ctx context.Context, projectID, ownerID string) (*storage.Project, error)
	TransitionProject(ctx context.Context, projectID, toStatus string, fromStatuses ...string) error
	ListPages(ctx context.Context, projectID string) ([]storage.Page, error)
	SaveProvisionalGuide(ctx context.Context, projectID string, provisional json.RawMessage) error
	SaveConsolidation(ctx context.Context, projectID string, stable, confidenceReport json.RawMessage) error
	CreateAnalyzeRun(ctx context.Context, runID, projectID string) error
	UpdateRunProgress(ctx context.Context, runID, currentStep string, pagesProcessed int) error
	FinishRun(ctx context.Context, runID, status, errorStage string, errorPage int, errorCode, errorMessage string) error
}

// PageReader loads page image bytes by stored path
type PageReader interface {
	ReadPage(relPath string) ([]byte, error)
}

// TokenSummarizer produces optional builder hints from a page image
type TokenSummarizer interface {
	Summarize(ctx context.Context, imageData []byte) *observation.TokenSummary
}

// ProgressSink records run progress and lock state
type ProgressSink interface {
	AcquireLock(ctx context.Context, projectID, runID string) (bool, error)
	ReleaseLock(ctx context.Context, projectID, runID string)
	SetProgress(ctx context.Context, projectID string, progress Progress)
	PublishEvent(ctx context.Context, event Event)
}

// GuidePusher delivers stable guides downstream
type GuidePusher interface {
	PushGuide(ctx context.Context, stable *guide.StableGuide) (*clients.PushGuideResult, error)
}

// Embedder turns guide text into a similarity vector
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// GuideIndexer stores guide embeddings for similarity search
type GuideIndexer interface {
	IndexGuideEmbedding(ctx context.Context, projectID string, vector []float32, ruleCount int) error
}

// Orchestrator runs the guide stability pipeline
type Orchestrator struct {
	cfg      *config.Config
	store    ProjectStore
	files    PageReader
	provider observation.Provider
	scanner  TokenSummarizer // optional
	progress ProgressSink

	// Optional post-run collaborators, all non-fatal
	pusher  GuidePusher
	embed   Embedder
	indexer GuideIndexer

	builder *guide.Builder
	applier *guide.Applier
	logger  *logging.Logger
}

// NewOrchestrator wires the pipeline together
func NewOrchestrator(cfg *config.Config, store ProjectStore, files PageReader, provider observation.Provider, progress ProgressSink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		files:    files,
		provider: provider,
		progress: progress,
		builder:  guide.NewBuilder(),
		applier:  guide.NewApplier(),
		logger:   logging.NewLogger("Orchestrator"),
	}
}

// WithTokenScanner enables the local token-summary pre-scan
func (o *Orchestrator) WithTokenScanner(scanner TokenSummarizer) *Orchestrator {
	o.scanner = scanner
	return o
}

// WithGuidePusher enables post-run delivery to the extraction engine
func (o *Orchestrator) WithGuidePusher(pusher GuidePusher) *Orchestrator {
	o.pusher = pusher
	return o
}

// WithSimilarityIndex enables post-run guide embedding
func (o *Orchestrator) WithSimilarityIndex(embed Embedder, indexer GuideIndexer) *Orchestrator {
	o.embed = embed
	o.indexer = indexer
	return o
}

// Run executes one analyze run for a ready project. State conflicts are
// returned synchronously before any pipeline work starts; once the
// project is processing, all failures settle it into failed.
func (o *Orchestrator) Run(ctx context.Context, projectID, ownerID string) error {
	project, err := o.store.GetProject(ctx, projectID, ownerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return pipeerrors.NewStateConflictError(fmt.Sprintf("project %s not found for owner", projectID))
		}
		return pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err)
	}

	if project.Status != storage.StatusReady {
		return pipeerrors.NewStateConflictError(
			fmt.Sprintf("project %s is %s, analyze requires ready", projectID, project.Status))
	}

	runID := uuid.New().String()

	locked, err := o.progress.AcquireLock(ctx, projectID, runID)
	if err != nil {
		return pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err)
	}
	if !locked {
		return pipeerrors.NewStateConflictError(
			fmt.Sprintf("project %s already has a running analyze", projectID))
	}
	defer o.progress.ReleaseLock(context.WithoutCancel(ctx), projectID, runID)

	if err := o.store.TransitionProject(ctx, projectID, storage.StatusProcessing, storage.StatusReady); err != nil {
		if stderrors.Is(err, storage.ErrStatusConflict) {
			return pipeerrors.NewStateConflictError(
				fmt.Sprintf("project %s left ready before analyze started", projectID))
		}
		return pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err)
	}

	if err := o.store.CreateAnalyzeRun(ctx, runID, projectID); err != nil {
		o.finalize(ctx, projectID, runID, storage.StatusFailed,
			pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err))
		return pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err)
	}

	o.progress.PublishEvent(ctx, Event{Type: "analyze_started", ProjectID: projectID, RunID: runID})
	o.logger.Info("Analyze run started", "projectId", projectID, "runId", runID)

	finalStatus, runErr := o.execute(ctx, projectID, runID)
	o.finalize(ctx, projectID, runID, finalStatus, runErr)

	if runErr != nil {
		return runErr
	}
	return nil
}

// execute runs the pipeline stages and returns the terminal project status
func (o *Orchestrator) execute(ctx context.Context, projectID, runID string) (string, error) {
	pages, err := o.store.ListPages(ctx, projectID)
	if err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageOrchestrator, err)
	}
	if len(pages) == 0 {
		return storage.StatusFailed, pipeerrors.NewContractError(pipeerrors.StageOrchestrator, 0,
			"project has no pages")
	}

	// Step 1: build the provisional guide from page 1
	o.setStep(ctx, projectID, runID, StepBuildingGuide, 0)
	o.logger.Info(fmt.Sprintf("[Run %s] Step 1: Building provisional guide", runID), "projectId", projectID)

	page1Image, err := o.files.ReadPage(pages[0].FilePath)
	if err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageRuleBuilder, err)
	}

	var summary *observation.TokenSummary
	if o.scanner != nil {
		summary = o.scanner.Summarize(ctx, page1Image)
	}

	page1Report, err := o.observeWithRetry(ctx, page1Image, observation.Hints{
		PageIndex:    pages[0].PageOrder,
		Purpose:      observation.PurposeBuild,
		TokenSummary: summary,
	})
	if err != nil {
		return storage.StatusFailed, err
	}

	provisional, err := o.builder.Build(projectID, page1Report, summary)
	if err != nil {
		return storage.StatusFailed, err
	}

	provisionalJSON, err := json.Marshal(provisional)
	if err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageRuleBuilder, err)
	}
	if err := o.store.SaveProvisionalGuide(ctx, projectID, provisionalJSON); err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageRuleBuilder, err)
	}

	o.setStep(ctx, projectID, runID, StepApplyingGuide, 1)

	// Step 2: validate the guide against the remaining pages
	o.logger.Info(fmt.Sprintf("[Run %s] Step 2: Applying guide to %d pages", runID, len(pages)-1),
		"projectId", projectID)

	reports, err := o.applyToPages(ctx, projectID, runID, provisional, page1Report, pages)
	if err != nil {
		return storage.StatusFailed, err
	}
	sortReports(reports)

	if ctx.Err() != nil {
		return storage.StatusFailed, pipeerrors.NewCancelledError(pipeerrors.StageOrchestrator, 0, ctx.Err())
	}

	// Step 3: aggregate stability
	o.setStep(ctx, projectID, runID, StepAggregating, len(pages))
	o.logger.Info(fmt.Sprintf("[Run %s] Step 3: Aggregating stability", runID), "projectId", projectID)

	aggregator := guide.NewAggregator(o.cfg.StableThreshold, o.cfg.PartialFloor)
	assessments, err := aggregator.Aggregate(provisional, reports)
	if err != nil {
		return storage.StatusFailed, err
	}

	// Step 4: consolidate
	o.setStep(ctx, projectID, runID, StepConsolidating, len(pages))
	o.logger.Info(fmt.Sprintf("[Run %s] Step 4: Consolidating", runID), "projectId", projectID)

	consolidator := guide.NewConsolidator(o.cfg.StableRatioThreshold, o.cfg.MandatoryMinScore)
	evidence := guide.BuildEvidenceContext(page1Report)
	result, err := consolidator.Consolidate(provisional, assessments, evidence)
	if err != nil {
		return storage.StatusFailed, err
	}

	// Persist the verdict exactly once
	confidence := guide.BuildConfidenceReport(assessments, result)
	confidenceJSON, err := json.Marshal(confidence)
	if err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageConsolidator, err)
	}

	var stableJSON json.RawMessage
	if result.GuideGenerated {
		stableJSON, err = result.StableGuide.CanonicalJSON()
		if err != nil {
			return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageConsolidator, err)
		}
	}

	if err := o.store.SaveConsolidation(ctx, projectID, stableJSON, confidenceJSON); err != nil {
		return storage.StatusFailed, pipeerrors.NewStorageError(pipeerrors.StageConsolidator, err)
	}

	if !result.GuideGenerated {
		o.logger.Info("Analyze run finished without stable guide",
			"projectId", projectID, "runId", runID, "reason", result.RejectionReason)
		return storage.StatusProvisionalOnly, nil
	}

	o.postRun(ctx, projectID, result.StableGuide, stableJSON)

	o.logger.Info("Analyze run produced stable guide",
		"projectId", projectID, "runId", runID,
		"rules", len(result.StableGuide.Rules),
		"stableRatio", fmt.Sprintf("%.2f", result.StableRatio))

	return storage.StatusValidated, nil
}

// applyToPages validates the guide against pages 2..N with bounded
// concurrency. A single-page project self-applies against its own source
// page report. Progress counts the contiguous processed frontier in
// upload order.
func (o *Orchestrator) applyToPages(ctx context.Context, projectID, runID string, provisional *guide.ProvisionalGuide, page1Report *observation.ObservationReport, pages []storage.Page) ([]*guide.ValidationReport, error) {
	if len(pages) == 1 {
		report, err := o.applier.Apply(provisional, page1Report)
		if err != nil {
			return nil, err
		}
		return []*guide.ValidationReport{report}, nil
	}

	guideJSON, err := provisional.MarshalForProvider()
	if err != nil {
		return nil, pipeerrors.NewContractError(pipeerrors.StageRuleApplier, 0, err.Error())
	}

	rest := pages[1:]
	reports := make([]*guide.ValidationReport, len(rest))
	frontier := newFrontier(1) // page 1 is already processed

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ApplierConcurrency)

	for i := range rest {
		i := i
		page := rest[i]
		g.Go(func() error {
			image, err := o.files.ReadPage(page.FilePath)
			if err != nil {
				return pipeerrors.NewStorageError(pipeerrors.StageRuleApplier, err)
			}

			report, err := o.observeWithRetry(groupCtx, image, observation.Hints{
				PageIndex: page.PageOrder,
				Purpose:   observation.PurposeApply,
				GuideJSON: guideJSON,
			})
			if err != nil {
				return err
			}

			validation, err := o.applier.Apply(provisional, report)
			if err != nil {
				return err
			}
			reports[i] = validation

			processed := frontier.markDone(page.PageOrder)
			o.setStep(groupCtx, projectID, runID, StepApplyingGuide, processed)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if groupCtx.Err() != nil && ctx.Err() != nil {
			return nil, pipeerrors.NewCancelledError(pipeerrors.StageRuleApplier, 0, ctx.Err())
		}
		return nil, err
	}

	return reports, nil
}

// observeWithRetry calls the provider, retrying transient failures with
// exponential backoff. Hard failures return immediately.
func (o *Orchestrator) observeWithRetry(ctx context.Context, image []byte, hints observation.Hints) (*observation.ObservationReport, error) {
	backoff := time.Duration(o.cfg.RetryBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, pipeerrors.NewCancelledError(pipeerrors.StageObservation, hints.PageIndex, ctx.Err())
		}

		report, err := o.provider.Observe(ctx, image, hints)
		if err == nil {
			return report, nil
		}
		lastErr = err

		if !pipeerrors.IsRetryable(err) {
			return nil, err
		}

		if attempt < o.cfg.RetryAttempts {
			o.logger.Warn("Observation failed, retrying",
				"pageIndex", hints.PageIndex,
				"attempt", attempt,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, pipeerrors.NewCancelledError(pipeerrors.StageObservation, hints.PageIndex, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, lastErr
}

// postRun runs the non-fatal post steps: similarity indexing and guide
// delivery. Failures here log warnings and never change the run outcome.
func (o *Orchestrator) postRun(ctx context.Context, projectID string, stable *guide.StableGuide, stableJSON []byte) {
	if o.embed != nil && o.indexer != nil {
		vector, err := o.embed.GenerateEmbedding(ctx, string(stableJSON))
		if err != nil {
			o.logger.Warn("Guide embedding failed", "projectId", projectID, "error", err)
		} else if err := o.indexer.IndexGuideEmbedding(ctx, projectID, vector, len(stable.Rules)); err != nil {
			o.logger.Warn("Guide embedding index failed", "projectId", projectID, "error", err)
		}
	}

	if o.pusher != nil {
		if _, err := o.pusher.PushGuide(ctx, stable); err != nil {
			o.logger.Warn("Guide push to extraction engine failed", "projectId", projectID, "error", err)
		}
	}
}

// finalize settles the run row, the project status, and the progress state
func (o *Orchestrator) finalize(ctx context.Context, projectID, runID, finalStatus string, runErr error) {
	// Finalization must run even when the run was cancelled
	ctx = context.WithoutCancel(ctx)

	runStatus := RunStatusFor(finalStatus)
	errorStage, errorPage, errorCode, errorMessage := "", 0, "", ""
	if runErr != nil {
		if pe, ok := pipeerrors.AsPipelineError(runErr); ok {
			errorStage = pe.Stage
			errorPage = pe.PageIndex
			errorCode = string(pe.Code)
			errorMessage = pe.Message
		} else {
			errorStage = pipeerrors.StageOrchestrator
			errorMessage = runErr.Error()
		}
		o.logger.Error("Analyze run failed",
			"projectId", projectID, "runId", runID,
			"stage", errorStage, "errorCode", errorCode, "error", runErr)
	}

	if err := o.store.FinishRun(ctx, runID, runStatus, errorStage, errorPage, errorCode, errorMessage); err != nil {
		o.logger.Error("Failed to finish run row", "runId", runID, "error", err)
	}

	if err := o.store.TransitionProject(ctx, projectID, finalStatus, storage.StatusProcessing); err != nil {
		o.logger.Error("Failed to settle project status",
			"projectId", projectID, "status", finalStatus, "error", err)
	}

	o.setStep(ctx, projectID, runID, StepFinished, -1)
	o.progress.PublishEvent(ctx, Event{
		Type:      "analyze_finished",
		ProjectID: projectID,
		RunID:     runID,
		Status:    finalStatus,
	})
}

// RunStatusFor maps a terminal project status to the run row status
func RunStatusFor(projectStatus string) string {
	if projectStatus == storage.StatusFailed {
		return storage.RunStatusFailed
	}
	return storage.RunStatusCompleted
}

// setStep records progress in Redis and the run row. pagesProcessed -1
// keeps the previous frontier.
func (o *Orchestrator) setStep(ctx context.Context, projectID, runID, step string, pagesProcessed int) {
	if pagesProcessed >= 0 {
		if err := o.store.UpdateRunProgress(ctx, runID, step, pagesProcessed); err != nil {
			o.logger.Warn("Failed to persist run progress", "runId", runID, "error", err)
		}
		o.progress.SetProgress(ctx, projectID, Progress{
			RunID:          runID,
			CurrentStep:    step,
			PagesProcessed: pagesProcessed,
		})
		return
	}
	o.progress.SetProgress(ctx, projectID, Progress{RunID: runID, CurrentStep: step})
}

// frontier tracks the contiguous processed-page frontier in upload order
type frontier struct {
	mu   sync.Mutex
	done map[int]bool
	high int
}

func newFrontier(start int) *frontier {
	return &frontier{
		done: make(map[int]bool),
		high: start,
	}
}

// markDone records a completed page order and returns the new frontier
func (f *frontier) markDone(order int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[order] = true
	for f.done[f.high+1] {
		f.high++
	}
	return f.high
}

// sortReports orders validation reports by page index for deterministic
// persistence and logging
func sortReports(reports []*guide.ValidationReport) {
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].PageIndex < reports[j].PageIndex
	})
}
