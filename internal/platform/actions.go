package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/botgate/internal/models"
	"github.com/lalith-99/botgate/internal/repository"
)

// ActionClient is the production ActionSink: it POSTs moderation
// actions to the chat platform's bot API.
//
// Idempotency comes from the platform side (muting a muted user,
// unlocking an unlocked chat — all no-ops there), which is what lets
// the abuse engine retry freely and re-apply reversals.
type ActionClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewActionClient(baseURL string, logger *zap.Logger) *ActionClient {
	return &ActionClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type actionRequest struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
	ActorID   string `json:"actor_id,omitempty"`
	Action    string `json:"action"`
	DurationS int64  `json:"duration_s,omitempty"`
}

// Execute maps HTTP results onto the retry taxonomy: 2xx is done, 4xx
// is fatal (the request is wrong, resending it won't help), everything
// else — 5xx, timeouts, connection failures — is retryable.
func (c *ActionClient) Execute(ctx context.Context, tenantID, subjectID, actorID string, action models.MitigationAction, duration time.Duration) (repository.ActionOutcome, error) {
	body, err := json.Marshal(actionRequest{
		TenantID:  tenantID,
		SubjectID: subjectID,
		ActorID:   actorID,
		Action:    string(action),
		DurationS: int64(duration.Seconds()),
	})
	if err != nil {
		return repository.ActionFatal, fmt.Errorf("encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/actions", bytes.NewReader(body))
	if err != nil {
		return repository.ActionFatal, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return repository.ActionRetryable, fmt.Errorf("execute action: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return repository.ActionOK, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Warn("platform rejected action",
			zap.String("tenant_id", tenantID),
			zap.String("action", string(action)),
			zap.Int("status", resp.StatusCode),
		)
		return repository.ActionFatal, fmt.Errorf("action rejected: status %d", resp.StatusCode)
	default:
		return repository.ActionRetryable, fmt.Errorf("action failed: status %d", resp.StatusCode)
	}
}
