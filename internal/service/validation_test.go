package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/domain/validation"
	"github.com/droverhq/drover/internal/port/executor"
)

// harness wires a validation service with its collaborators and the webhook
// service that feeds remediation outcomes back into it.
type harness struct {
	store   *mockStore
	gateway *stubGateway
	exec    *stubExecutor
	merger  *stubMerger
	notes   *recordNotifier
	runs    *SyncService
	val     *ValidationService
	webhook *WebhookService
}

func newHarness(execFn func(stage string, nth int) *executor.StageResult, cfg config.Validation) *harness {
	h := &harness{
		store:   newMockStore(),
		gateway: &stubGateway{},
		exec:    &stubExecutor{fn: execFn},
		merger:  &stubMerger{},
		notes:   &recordNotifier{},
	}
	h.runs = NewSync(h.store, h.gateway, nil, nil)
	h.val = NewValidation(h.store, h.exec, h.merger, h.runs, h.notes, nil, cfg, nil)
	h.webhook = NewWebhook(h.store, newMemCache(), h.val, nil, time.Hour, nil)
	return h
}

func validationConfig() config.Validation {
	return config.Validation{MaxRetries: 2, StageTimeout: time.Second}
}

func (h *harness) pipeline(t *testing.T, id string) *validation.Pipeline {
	t.Helper()
	p, err := h.store.GetPipeline(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// completeRemediation delivers a terminal webhook for the pipeline's linked
// remediation run.
func (h *harness) completeRemediation(t *testing.T, pipelineID string, status run.Status) {
	t.Helper()
	p := h.pipeline(t, pipelineID)
	if p.LinkedAgentRunID == "" {
		t.Fatal("no remediation outstanding")
	}
	r, err := h.store.GetRun(context.Background(), p.OrgID, p.LinkedAgentRunID)
	if err != nil {
		t.Fatal(err)
	}
	err = h.webhook.Handle(context.Background(), WebhookPayload{
		ExternalID: r.ExternalID,
		Status:     string(status),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPipeline_AllStagesSucceed(t *testing.T) {
	h := newHarness(nil, validationConfig()) // nil = every stage succeeds

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusCompleted
	}, "pipeline completed")

	got := h.pipeline(t, p.ID)
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	for _, st := range got.Stages {
		if st.Status != validation.StageSuccess {
			t.Fatalf("stage %s = %s, want success", st.Name, st.Status)
		}
	}
	for _, name := range validation.StageOrder {
		if h.exec.callCount(name) != 1 {
			t.Fatalf("stage %s executed %d times, want 1", name, h.exec.callCount(name))
		}
	}
	if h.merger.callCount() != 0 {
		t.Fatal("merge called with auto_merge disabled")
	}
}

func TestPipeline_StageFailureDispatchesRemediation(t *testing.T) {
	h := newHarness(func(stage string, _ int) *executor.StageResult {
		if stage == validation.StageBuild {
			return &executor.StageResult{Success: false, Error: "compile error in main.go"}
		}
		return &executor.StageResult{Success: true}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "remediation dispatched")

	got := h.pipeline(t, p.ID)
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.Stage(validation.StageBuild).Status != validation.StageFailure {
		t.Fatalf("build stage = %s, want failure", got.Stage(validation.StageBuild).Status)
	}
	if got.Status.Terminal() {
		t.Fatalf("pipeline = %s, must stay non-terminal while remediation runs", got.Status)
	}

	// The remediation run exists and carries the failure context.
	r, err := h.store.GetRun(context.Background(), "org-1", got.LinkedAgentRunID)
	if err != nil {
		t.Fatal(err)
	}
	if r.ResponseType != run.ResponseTypePullRequest {
		t.Fatalf("response type = %s, want pull-request", r.ResponseType)
	}
}

func TestPipeline_RemediationCycleResumesAtFailedStage(t *testing.T) {
	h := newHarness(func(stage string, nth int) *executor.StageResult {
		if stage == validation.StageBuild && nth == 1 {
			return &executor.StageResult{Success: false, Error: "compile error"}
		}
		return &executor.StageResult{Success: true}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "remediation dispatched")

	h.completeRemediation(t, p.ID, run.StatusCompleted)

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusCompleted
	}, "pipeline completed after remediation")

	// Stages before the failure ran once; the failed stage ran twice.
	if n := h.exec.callCount(validation.StageEnvironmentSetup); n != 1 {
		t.Fatalf("environment_setup executed %d times, want 1", n)
	}
	if n := h.exec.callCount(validation.StageDependencyInstall); n != 1 {
		t.Fatalf("dependency_install executed %d times, want 1", n)
	}
	if n := h.exec.callCount(validation.StageBuild); n != 2 {
		t.Fatalf("build executed %d times, want 2", n)
	}
	if n := h.exec.callCount(validation.StageTest); n != 1 {
		t.Fatalf("test executed %d times, want 1", n)
	}
}

func TestPipeline_RetryBudgetExhausted(t *testing.T) {
	cfg := validationConfig()
	cfg.MaxRetries = 1
	h := newHarness(func(stage string, _ int) *executor.StageResult {
		if stage == validation.StageBuild {
			return &executor.StageResult{Success: false, Error: "still broken"}
		}
		return &executor.StageResult{Success: true}
	}, cfg)

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "first remediation dispatched")

	h.completeRemediation(t, p.ID, run.StatusCompleted)

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusFailed
	}, "pipeline failed after budget exhausted")

	if create, _, _ := h.gateway.counts(); create != 1 {
		t.Fatalf("remediation runs dispatched = %d, want 1", create)
	}
	got := h.pipeline(t, p.ID)
	if got.ErrorMessage == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestPipeline_ZeroRetriesFailsImmediately(t *testing.T) {
	cfg := validationConfig()
	cfg.MaxRetries = 0
	h := newHarness(func(stage string, _ int) *executor.StageResult {
		return &executor.StageResult{Success: false, Error: "boom"}
	}, cfg)

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusFailed
	}, "pipeline failed")

	if create, _, _ := h.gateway.counts(); create != 0 {
		t.Fatalf("remediation runs dispatched = %d, want 0", create)
	}
}

func TestPipeline_FailedRemediationFailsPipeline(t *testing.T) {
	h := newHarness(func(stage string, _ int) *executor.StageResult {
		if stage == validation.StageTest {
			return &executor.StageResult{Success: false, Error: "3 tests failed"}
		}
		return &executor.StageResult{Success: true}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "remediation dispatched")

	h.completeRemediation(t, p.ID, run.StatusFailed)

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusFailed
	}, "pipeline failed")

	got := h.pipeline(t, p.ID)
	if got.LinkedAgentRunID != "" {
		t.Fatal("remediation link not cleared")
	}
	// The test stage was never re-run for a remediation that delivered nothing.
	if n := h.exec.callCount(validation.StageTest); n != 1 {
		t.Fatalf("test executed %d times, want 1", n)
	}
}

func TestPipeline_AutoMergeOnCompletion(t *testing.T) {
	cfg := validationConfig()
	cfg.AutoMerge = true
	h := newHarness(nil, cfg)

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.merger.callCount() == 1
	}, "auto-merge requested")

	if h.pipeline(t, p.ID).Status != validation.StatusCompleted {
		t.Fatal("pipeline not completed")
	}
}

func TestPipeline_MergeFailureDoesNotFailPipeline(t *testing.T) {
	cfg := validationConfig()
	cfg.AutoMerge = true
	h := newHarness(nil, cfg)
	h.merger.err = errors.New("merge conflict")

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.merger.callCount() == 1
	}, "merge attempted")

	if got := h.pipeline(t, p.ID); got.Status != validation.StatusCompleted {
		t.Fatalf("pipeline = %s, merge failure must not fail it", got.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, src := range h.notes.sources() {
			if src == "merge.failed" {
				return true
			}
		}
		return false
	}, "merge failure notification")
}

func TestPipeline_ProjectMergeSettingOverridesDefault(t *testing.T) {
	h := newHarness(nil, validationConfig()) // deployment default: no auto-merge

	mergeOnSuccess := true
	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", &mergeOnSuccess)
	if err != nil {
		t.Fatal(err)
	}
	if !p.MergeOnSuccess {
		t.Fatal("merge-on-success not recorded on pipeline")
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.merger.callCount() == 1
	}, "merge requested for project with merge-on-success")
}

func TestPipeline_ProjectCanOptOutOfDefaultMerge(t *testing.T) {
	cfg := validationConfig()
	cfg.AutoMerge = true
	h := newHarness(nil, cfg)

	mergeOnSuccess := false
	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", &mergeOnSuccess)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusCompleted
	}, "pipeline completed")

	if h.merger.callCount() != 0 {
		t.Fatal("merge called for project that opted out")
	}
}

// A poll tick can observe the remediation run's terminal state before the
// webhook for the same transition arrives. The later webhook then merges
// nothing, but it must still wake the linked pipeline.
func TestPipeline_WebhookAfterPollStillResumesPipeline(t *testing.T) {
	h := newHarness(func(stage string, nth int) *executor.StageResult {
		if stage == validation.StageBuild && nth == 1 {
			return &executor.StageResult{Success: false, Error: "compile error"}
		}
		return &executor.StageResult{Success: true}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "remediation dispatched")

	// A poll lands the terminal state first.
	linked := h.pipeline(t, p.ID).LinkedAgentRunID
	r, err := h.store.GetRun(context.Background(), "org-1", linked)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Apply(run.Update{Status: run.StatusCompleted, Timestamp: time.Now().UTC()}) {
		t.Fatal("poll update not applied")
	}
	if _, err := h.store.UpsertRun(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	// The webhook arrives afterwards with a newer timestamp and changes
	// nothing on the run itself.
	err = h.webhook.Handle(context.Background(), WebhookPayload{
		ExternalID: r.ExternalID,
		Status:     string(run.StatusCompleted),
		Timestamp:  time.Now().UTC().Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).Status == validation.StatusCompleted
	}, "pipeline resumed and completed after the redundant webhook")

	if got := h.pipeline(t, p.ID); got.LinkedAgentRunID != "" {
		t.Fatal("remediation link not cleared")
	}
}

func TestStart_RejectsDuplicateActivePipeline(t *testing.T) {
	// Stall the first pipeline on a remediation so it stays non-terminal.
	h := newHarness(func(string, int) *executor.StageResult {
		return &executor.StageResult{Success: false, Error: "boom"}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "first pipeline paused")

	_, err = h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCancel_StopsAdvancement(t *testing.T) {
	h := newHarness(func(string, int) *executor.StageResult {
		return &executor.StageResult{Success: false, Error: "boom"}
	}, validationConfig())

	p, err := h.val.Start(context.Background(), "org-1", "proj-1", "pr-1", "https://example.com/pr/1", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return h.pipeline(t, p.ID).LinkedAgentRunID != ""
	}, "pipeline paused on remediation")

	got, err := h.val.Cancel(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != validation.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	if _, err := h.val.Cancel(context.Background(), p.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second cancel err = %v, want ErrConflict", err)
	}
}

func TestStart_ValidatesInput(t *testing.T) {
	h := newHarness(nil, validationConfig())
	_, err := h.val.Start(context.Background(), "", "proj-1", "", "", nil)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}
