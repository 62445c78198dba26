package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
	"go.uber.org/zap"
)

// UpstreamClient talks to the automation gateway that performs the
// actual feed fetches and actions. It implements both the Fetcher and
// the Executor side of a session.
type UpstreamClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewUpstreamClient creates a client for the given gateway.
func NewUpstreamClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *UpstreamClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type pageResponse struct {
	Items []struct {
		TargetID    string          `json:"target_id"`
		TargetLabel string          `json:"target_label"`
		Payload     json.RawMessage `json:"payload"`
	} `json:"items"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// FetchPage requests one page of the resource's feed.
func (c *UpstreamClient) FetchPage(ctx context.Context, resourceID, cursor string) (*model.PageResult, error) {
	endpoint := fmt.Sprintf("%s/v1/resources/%s/feed", c.baseURL, url.PathEscape(resourceID))
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed fetch failed with status %s", resp.Status)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode feed page: %w", err)
	}

	result := &model.PageResult{
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		Items:      make([]model.FeedItem, 0, len(page.Items)),
	}
	for _, item := range page.Items {
		result.Items = append(result.Items, model.FeedItem{
			TargetID:    item.TargetID,
			TargetLabel: item.TargetLabel,
			Payload:     item.Payload,
		})
	}
	return result, nil
}

type actionRequest struct {
	Kind     string          `json:"kind"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Perform executes one action against its target.
func (c *UpstreamClient) Perform(ctx context.Context, action model.QueuedAction) (*model.ActionResult, error) {
	body, err := json.Marshal(actionRequest{
		Kind:     string(action.Kind),
		TargetID: action.TargetID,
		Payload:  action.Payload,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/actions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action request failed: %w", err)
	}
	defer resp.Body.Close()

	response, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return &model.ActionResult{
			Success:   false,
			ErrorKind: fmt.Sprintf("http_%d", resp.StatusCode),
			ErrorText: strings.TrimSpace(string(response)),
			Response:  response,
			At:        time.Now(),
		}, nil
	}

	return &model.ActionResult{
		Success:  true,
		Response: response,
		At:       time.Now(),
	}, nil
}

func (c *UpstreamClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// DryRunClient satisfies the same interfaces without performing
// anything. Fetches report an exhausted feed and actions succeed
// without side effects. Useful for rehearsing configuration.
type DryRunClient struct {
	logger *zap.Logger
}

// NewDryRunClient creates a no-op client.
func NewDryRunClient(logger *zap.Logger) *DryRunClient {
	return &DryRunClient{logger: logger}
}

// FetchPage reports an empty, finished feed.
func (c *DryRunClient) FetchPage(ctx context.Context, resourceID, cursor string) (*model.PageResult, error) {
	c.logger.Info("Dry run: would fetch page",
		zap.String("resource_id", resourceID),
		zap.String("cursor", cursor))
	return &model.PageResult{HasMore: false}, nil
}

// Perform logs the action and reports success.
func (c *DryRunClient) Perform(ctx context.Context, action model.QueuedAction) (*model.ActionResult, error) {
	c.logger.Info("Dry run: would perform action",
		zap.String("kind", string(action.Kind)),
		zap.String("target_id", action.TargetID))
	return &model.ActionResult{Success: true, At: time.Now()}, nil
}
