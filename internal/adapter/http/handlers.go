package http

import (
	"net/http"
	"strconv"

	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/service"
)

// Handlers bundles the services the REST surface dispatches into.
type Handlers struct {
	Sync       *service.SyncService
	Poller     *service.PollerService
	Webhook    *service.WebhookService
	Validation *service.ValidationService
}

type createRunRequest struct {
	Prompt       string `json:"prompt"`
	ResponseType string `json:"response_type,omitempty"`
}

func (h *Handlers) createRun(w http.ResponseWriter, r *http.Request) {
	req, err := readJSON[createRunRequest](w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	orgID := urlParam(r, "orgID")

	created, err := h.Sync.CreateRun(r.Context(), run.CreateRequest{
		OrgID:        orgID,
		Prompt:       req.Prompt,
		ResponseType: run.ResponseType(req.ResponseType),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Poller != nil {
		h.Poller.Watch(orgID)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) getRun(w http.ResponseWriter, r *http.Request) {
	got, err := h.Sync.GetRun(r.Context(), urlParam(r, "orgID"), urlParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *Handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := run.ListFilter{
		Status:  run.Status(q.Get("status")),
		SortBy:  q.Get("sort"),
		SortAsc: q.Get("order") == "asc",
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	runs, err := h.Sync.ListRuns(r.Context(), urlParam(r, "orgID"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []run.AgentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type resumeRunRequest struct {
	Instruction string `json:"instruction"`
}

func (h *Handlers) resumeRun(w http.ResponseWriter, r *http.Request) {
	req, err := readJSON[resumeRunRequest](w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	resumed, err := h.Sync.ResumeRun(r.Context(), urlParam(r, "orgID"), urlParam(r, "runID"), req.Instruction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resumed)
}

func (h *Handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.Sync.CancelRun(r.Context(), urlParam(r, "orgID"), urlParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

func (h *Handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	orgID := urlParam(r, "orgID")
	status, err := h.Sync.FullSync(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Poller != nil {
		h.Poller.Watch(orgID)
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Sync.SyncStatus(r.Context(), urlParam(r, "orgID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readJSON[service.WebhookPayload](w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = r.Header.Get("X-Drover-Delivery")
	}

	if err := h.Webhook.Handle(r.Context(), payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type startValidationRequest struct {
	ProjectID      string `json:"project_id"`
	PullRequestID  string `json:"pull_request_id"`
	PullRequestURL string `json:"pull_request_url"`
	MergeOnSuccess *bool  `json:"merge_on_success,omitempty"`
}

func (h *Handlers) startValidation(w http.ResponseWriter, r *http.Request) {
	req, err := readJSON[startValidationRequest](w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.Validation.Start(r.Context(), urlParam(r, "orgID"),
		req.ProjectID, req.PullRequestID, req.PullRequestURL, req.MergeOnSuccess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) listValidations(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.Validation.ListPipelines(r.Context(), urlParam(r, "orgID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (h *Handlers) getValidation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Validation.GetPipeline(r.Context(), urlParam(r, "pipelineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) cancelValidation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Validation.Cancel(r.Context(), urlParam(r, "pipelineID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
