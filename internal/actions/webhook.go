package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
)

// WebhookHandler delegates actions to a runbook automation service. Each
// action posts to <base>/actions/<name>; rollbacks post to
// <base>/actions/<name>/rollback.
type WebhookHandler struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookHandler constructs a runbook client.
func NewWebhookHandler(baseURL, token string, timeout time.Duration, logger *slog.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type webhookActionRequest struct {
	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	ResourceID  string            `json:"resource_id"`
	Action      string            `json:"action"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

type webhookActionResponse struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message"`
	RollbackInfo map[string]string `json:"rollback_info"`
}

type webhookRollbackRequest struct {
	ExecutionID  string            `json:"execution_id"`
	ResourceID   string            `json:"resource_id"`
	Action       string            `json:"action"`
	Step         string            `json:"step"`
	RollbackInfo map[string]string `json:"rollback_info"`
}

// Execute posts the action to the runbook service.
func (h *WebhookHandler) Execute(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
	payload := webhookActionRequest{
		ExecutionID: req.ExecutionID,
		PlanID:      req.PlanID,
		ResourceID:  req.ResourceID,
		Action:      req.Action.Name(),
		Parameters:  req.Parameters,
	}
	var response webhookActionResponse
	if err := h.postJSON(ctx, h.actionURL(req.Action, ""), payload, &response); err != nil {
		return executor.ActionResult{}, fmt.Errorf("runbook %s: %w", req.Action.Name(), err)
	}
	h.logger.Debug("runbook action completed",
		slog.String("action", req.Action.Name()),
		slog.String("resource_id", req.ResourceID),
		slog.Bool("success", response.Success))
	return executor.ActionResult{
		Success:      response.Success,
		Message:      response.Message,
		RollbackInfo: models.RollbackInfo(response.RollbackInfo),
	}, nil
}

// Rollback posts the captured rollback info to the runbook service.
func (h *WebhookHandler) Rollback(ctx context.Context, req executor.RollbackRequest) error {
	payload := webhookRollbackRequest{
		ExecutionID:  req.ExecutionID,
		ResourceID:   req.ResourceID,
		Action:       req.Action.Name(),
		Step:         req.Step,
		RollbackInfo: req.Info,
	}
	if err := h.postJSON(ctx, h.actionURL(req.Action, "rollback"), payload, nil); err != nil {
		return fmt.Errorf("runbook rollback %s: %w", req.Action.Name(), err)
	}
	return nil
}

func (h *WebhookHandler) actionURL(action models.Action, suffix string) string {
	u, err := url.Parse(h.baseURL)
	if err != nil || h.baseURL == "" {
		return ""
	}
	segment := string(action.Kind)
	if action.Kind == models.ActionCustom {
		segment = path.Join(string(models.ActionCustom), url.PathEscape(action.Handler))
	}
	u.Path = path.Join(u.Path, "actions", segment, suffix)
	return u.String()
}

func (h *WebhookHandler) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("runbook base URL not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runbook returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
