package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planlens/guidepipeline-worker/internal/config"
	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
	"github.com/planlens/guidepipeline-worker/internal/observation"
	"github.com/planlens/guidepipeline-worker/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		ApplierConcurrency:   2,
		RetryAttempts:        3,
		RetryBackoffMs:       1,
		StableThreshold:      0.8,
		PartialFloor:         0.5,
		StableRatioThreshold: 0.6,
		MandatoryMinScore:    0.5,
	}
}

func pageToken(id, text string, x, y float64, boxed bool) observation.PageToken {
	return observation.PageToken{
		ID:   id,
		Text: text,
		BoundingBox: observation.Box{
			X:      x,
			Y:      y,
			Width:  80,
			Height: 20,
		},
		Boxed: boxed,
	}
}

// sourcePageReport is a source page with two labeled rooms, their boxed
// numbers directly below, and three "(TYP)" annotations
func sourcePageReport() *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     1,
		Tokens: []observation.PageToken{
			pageToken("t1", "KITCHEN", 100, 100, false),
			pageToken("t2", "101", 100, 140, true),
			pageToken("t3", "BEDROOM", 100, 300, false),
			pageToken("t4", "102", 100, 340, true),
			pageToken("t5", "(TYP)", 400, 100, false),
			pageToken("t6", "(TYP)", 400, 300, false),
			pageToken("t7", "(TYP)", 400, 500, false),
		},
		Observations: []observation.Observation{
			{ID: "o1", Category: "labeling", Description: "Rooms carry uppercase name labels", Confidence: observation.ConfidenceHigh, TokenIDs: []string{"t1", "t3"}},
			{ID: "o2", Category: "labeling", Description: "Numbers in boxes sit below each room name", Confidence: observation.ConfidenceHigh, TokenIDs: []string{"t2", "t4"}},
			{ID: "o3", Category: "annotation", Description: "Typical marker repeats across the sheet", Confidence: observation.ConfidenceHigh, TokenIDs: []string{"t5", "t6", "t7"}},
		},
	}
}

// conformingPageReport follows every source page convention
func conformingPageReport(pageIndex int) *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     pageIndex,
		Tokens: []observation.PageToken{
			pageToken("t1", "OFFICE", 200, 100, false),
			pageToken("t2", "201", 200, 140, true),
			pageToken("t3", "STORAGE", 200, 300, false),
			pageToken("t4", "202", 200, 340, true),
			pageToken("t5", "(TYP)", 500, 100, false),
		},
		Observations: []observation.Observation{
			{ID: "o1", Category: "labeling", Description: "Rooms follow the labeling convention", Confidence: observation.ConfidenceHigh, TokenIDs: []string{"t1", "t2", "t3", "t4"}},
		},
	}
}

// unboxedNumbersReport breaks the boxed-number convention
func unboxedNumbersReport(pageIndex int) *observation.ObservationReport {
	return &observation.ObservationReport{
		SchemaVersion: observation.SchemaVersion,
		PageIndex:     pageIndex,
		Tokens: []observation.PageToken{
			pageToken("t1", "301", 100, 140, false),
			pageToken("t2", "302", 100, 340, false),
		},
		Observations: []observation.Observation{
			{ID: "o1", Category: "labeling", Description: "Numbers appear without boxes", Confidence: observation.ConfidenceHigh, TokenIDs: []string{"t1", "t2"}},
		},
	}
}

// fakeProvider serves canned reports keyed by page index and records calls
type fakeProvider struct {
	mu       sync.Mutex
	reports  map[int]*observation.ObservationReport
	failures map[int][]error // consumed before the canned report is served
	calls    map[int]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		reports:  make(map[int]*observation.ObservationReport),
		failures: make(map[int][]error),
		calls:    make(map[int]int),
	}
}

func (p *fakeProvider) Observe(ctx context.Context, image []byte, hints observation.Hints) (*observation.ObservationReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[hints.PageIndex]++
	if pending := p.failures[hints.PageIndex]; len(pending) > 0 {
		err := pending[0]
		p.failures[hints.PageIndex] = pending[1:]
		return nil, err
	}

	report, ok := p.reports[hints.PageIndex]
	if !ok {
		return nil, fmt.Errorf("no canned report for page %d", hints.PageIndex)
	}
	return report, nil
}

func (p *fakeProvider) callCount(pageIndex int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[pageIndex]
}

// fakeStore is an in-memory ProjectStore recording every mutation
type fakeStore struct {
	mu          sync.Mutex
	project     *storage.Project
	pages       []storage.Page
	transitions []string
	provisional json.RawMessage
	stable      json.RawMessage
	confidence  json.RawMessage
	saved       int
	runStatus   string
	runError    struct {
		stage   string
		page    int
		code    string
		message string
	}
	runFinished bool
}

func newFakeStore(projectID, ownerID, status string, pageCount int) *fakeStore {
	s := &fakeStore{
		project: &storage.Project{ID: projectID, OwnerID: ownerID, Status: status},
	}
	for i := 1; i <= pageCount; i++ {
		s.pages = append(s.pages, storage.Page{
			ID:        fmt.Sprintf("page-%d", i),
			ProjectID: projectID,
			PageOrder: i,
			FilePath:  fmt.Sprintf("%s/page_%d.png", projectID, i),
		})
	}
	return s
}

func (s *fakeStore) GetProject(ctx context.Context, projectID, ownerID string) (*storage.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.ID != projectID || s.project.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	project := *s.project
	return &project, nil
}

func (s *fakeStore) TransitionProject(ctx context.Context, projectID, toStatus string, fromStatuses ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, from := range fromStatuses {
		if s.project.Status == from {
			s.project.Status = toStatus
			s.transitions = append(s.transitions, toStatus)
			return nil
		}
	}
	return storage.ErrStatusConflict
}

func (s *fakeStore) ListPages(ctx context.Context, projectID string) ([]storage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Page(nil), s.pages...), nil
}

func (s *fakeStore) SaveProvisionalGuide(ctx context.Context, projectID string, provisional json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisional = provisional
	return nil
}

func (s *fakeStore) SaveConsolidation(ctx context.Context, projectID string, stable, confidenceReport json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable = stable
	s.confidence = confidenceReport
	s.saved++
	return nil
}

func (s *fakeStore) CreateAnalyzeRun(ctx context.Context, runID, projectID string) error {
	return nil
}

func (s *fakeStore) UpdateRunProgress(ctx context.Context, runID, currentStep string, pagesProcessed int) error {
	return nil
}

func (s *fakeStore) FinishRun(ctx context.Context, runID, status, errorStage string, errorPage int, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runFinished = true
	s.runStatus = status
	s.runError.stage = errorStage
	s.runError.page = errorPage
	s.runError.code = errorCode
	s.runError.message = errorMessage
	return nil
}

func (s *fakeStore) status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.Status
}

// fakeFiles returns the requested path as the image bytes
type fakeFiles struct{}

func (fakeFiles) ReadPage(relPath string) ([]byte, error) {
	return []byte(relPath), nil
}

// fakeProgress records lock and event activity in memory
type fakeProgress struct {
	mu         sync.Mutex
	lockDenied bool
	lockHeld   bool
	released   bool
	events     []Event
}

func (p *fakeProgress) AcquireLock(ctx context.Context, projectID, runID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockDenied {
		return false, nil
	}
	p.lockHeld = true
	return true, nil
}

func (p *fakeProgress) ReleaseLock(ctx context.Context, projectID, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockHeld = false
	p.released = true
}

func (p *fakeProgress) SetProgress(ctx context.Context, projectID string, progress Progress) {}

func (p *fakeProgress) PublishEvent(ctx context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakeProgress) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

func TestRunMultiPageValidated(t *testing.T) {
	store := newFakeStore("proj-1", "owner-1", storage.StatusReady, 3)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	provider.reports[2] = conformingPageReport(2)
	provider.reports[3] = conformingPageReport(3)
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, provider, progress)

	err := orch.Run(context.Background(), "proj-1", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StatusValidated, store.status())
	assert.Equal(t, []string{storage.StatusProcessing, storage.StatusValidated}, store.transitions)
	assert.NotEmpty(t, store.provisional)
	assert.NotEmpty(t, store.stable)
	assert.NotEmpty(t, store.confidence)
	assert.Equal(t, 1, store.saved)
	assert.Equal(t, storage.RunStatusCompleted, store.runStatus)
	assert.Empty(t, store.runError.code)
	assert.Equal(t, []string{"analyze_started", "analyze_finished"}, progress.eventTypes())
	assert.True(t, progress.released)
}

func TestRunContradictionSettlesProvisionalOnly(t *testing.T) {
	store := newFakeStore("proj-2", "owner-1", storage.StatusReady, 3)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	provider.reports[2] = conformingPageReport(2)
	provider.reports[3] = unboxedNumbersReport(3)
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, provider, progress)

	err := orch.Run(context.Background(), "proj-2", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StatusProvisionalOnly, store.status())
	assert.NotEmpty(t, store.provisional)
	assert.Empty(t, store.stable)
	assert.NotEmpty(t, store.confidence)
	assert.Equal(t, storage.RunStatusCompleted, store.runStatus)
}

func TestRunProviderHardFailureSettlesFailed(t *testing.T) {
	store := newFakeStore("proj-3", "owner-1", storage.StatusReady, 2)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	provider.failures[2] = []error{
		pipeerrors.NewModelInvalidOutputError(pipeerrors.StageObservation, 2, "report failed validation", nil),
	}
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, provider, progress)

	err := orch.Run(context.Background(), "proj-3", "owner-1")
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorModelInvalidOutput, pe.Code)

	assert.Equal(t, storage.StatusFailed, store.status())
	assert.Equal(t, storage.RunStatusFailed, store.runStatus)
	assert.Equal(t, pipeerrors.StageObservation, store.runError.stage)
	assert.Equal(t, 2, store.runError.page)
	assert.Equal(t, string(pipeerrors.ErrorModelInvalidOutput), store.runError.code)
	// Hard failures never retry
	assert.Equal(t, 1, provider.callCount(2))
	assert.True(t, progress.released)
}

func TestRunTransientFailureRetriesThenSucceeds(t *testing.T) {
	store := newFakeStore("proj-4", "owner-1", storage.StatusReady, 2)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	provider.reports[2] = conformingPageReport(2)
	provider.failures[2] = []error{
		pipeerrors.NewModelRateLimitedError(pipeerrors.StageObservation, 2, nil),
		pipeerrors.NewModelTimeoutError(pipeerrors.StageObservation, 2, nil),
	}
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, provider, progress)

	err := orch.Run(context.Background(), "proj-4", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StatusValidated, store.status())
	assert.Equal(t, 3, provider.callCount(2))
}

func TestRunSinglePageSelfApplies(t *testing.T) {
	store := newFakeStore("proj-5", "owner-1", storage.StatusReady, 1)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, provider, progress)

	err := orch.Run(context.Background(), "proj-5", "owner-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StatusValidated, store.status())
	// The source page report is reused; the provider is called exactly once
	assert.Equal(t, 1, provider.callCount(1))
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	store := newFakeStore("proj-6", "owner-1", storage.StatusReady, 2)
	progress := &fakeProgress{lockDenied: true}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, newFakeProvider(), progress)

	err := orch.Run(context.Background(), "proj-6", "owner-1")
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorStateConflict, pe.Code)

	// Refused before any pipeline work: no transition, no run row
	assert.Equal(t, storage.StatusReady, store.status())
	assert.Empty(t, store.transitions)
	assert.False(t, store.runFinished)
}

func TestRunRefusesNonReadyProject(t *testing.T) {
	for _, status := range []string{storage.StatusDraft, storage.StatusProcessing, storage.StatusValidated, storage.StatusFailed} {
		t.Run(status, func(t *testing.T) {
			store := newFakeStore("proj-7", "owner-1", status, 2)
			progress := &fakeProgress{}

			orch := NewOrchestrator(testConfig(), store, fakeFiles{}, newFakeProvider(), progress)

			err := orch.Run(context.Background(), "proj-7", "owner-1")
			require.Error(t, err)

			pe, ok := pipeerrors.AsPipelineError(err)
			require.True(t, ok)
			assert.Equal(t, pipeerrors.ErrorStateConflict, pe.Code)
			assert.Equal(t, status, store.status())
		})
	}
}

func TestRunRefusesUnknownOwner(t *testing.T) {
	store := newFakeStore("proj-8", "owner-1", storage.StatusReady, 2)
	progress := &fakeProgress{}

	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, newFakeProvider(), progress)

	err := orch.Run(context.Background(), "proj-8", "owner-2")
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorStateConflict, pe.Code)
}

func TestRunCancellationSettlesFailed(t *testing.T) {
	store := newFakeStore("proj-9", "owner-1", storage.StatusReady, 2)
	provider := newFakeProvider()
	provider.reports[1] = sourcePageReport()
	provider.reports[2] = conformingPageReport(2)
	progress := &fakeProgress{}

	ctx, cancel := context.WithCancel(context.Background())

	cancelling := &cancellingProvider{inner: provider, cancel: cancel, after: 1}
	orch := NewOrchestrator(testConfig(), store, fakeFiles{}, cancelling, progress)

	err := orch.Run(ctx, "proj-9", "owner-1")
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorCancelled, pe.Code)

	// Finalization still settles the project and releases the lock
	assert.Equal(t, storage.StatusFailed, store.status())
	assert.Equal(t, storage.RunStatusFailed, store.runStatus)
	assert.True(t, progress.released)
}

// cancellingProvider cancels the run context after a number of calls
type cancellingProvider struct {
	mu     sync.Mutex
	inner  *fakeProvider
	cancel context.CancelFunc
	after  int
	calls  int
}

func (p *cancellingProvider) Observe(ctx context.Context, image []byte, hints observation.Hints) (*observation.ObservationReport, error) {
	p.mu.Lock()
	p.calls++
	if p.calls > p.after {
		p.cancel()
		p.mu.Unlock()
		<-ctx.Done()
		return nil, pipeerrors.NewCancelledError(pipeerrors.StageObservation, hints.PageIndex, ctx.Err())
	}
	p.mu.Unlock()
	return p.inner.Observe(ctx, image, hints)
}

func TestFrontierAdvancesContiguously(t *testing.T) {
	f := newFrontier(1)

	assert.Equal(t, 1, f.markDone(3))
	assert.Equal(t, 1, f.markDone(4))
	assert.Equal(t, 4, f.markDone(2))
	assert.Equal(t, 5, f.markDone(5))
}
