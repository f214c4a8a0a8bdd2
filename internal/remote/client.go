package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/task"
	"golang.org/x/oauth2"
)

const (
	DefaultTimeout = 30 * time.Second
	maxPages       = 1000
)

// Client talks to a Bitrix24-style REST webhook: form-encoded POSTs to
// <webhook>/<method>, answered with {"result":...,"next":N,"error":"..."}.
type Client struct {
	webhookURL string
	httpClient *http.Client
	logger     *log.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithToken authenticates every request with a static OAuth2 bearer token.
func WithToken(token string, timeout time.Duration) Option {
	return func(cl *Client) {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		httpClient := oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = timeout
		cl.httpClient = httpClient
	}
}

func WithLogger(l *log.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

func NewClient(webhookURL string, opts ...Option) (*Client, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, NewValidationError("configure", "webhook url is required")
	}

	parsed, err := url.Parse(webhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, NewValidationError("configure", fmt.Sprintf("invalid webhook url %q", webhookURL))
	}

	if !strings.HasSuffix(webhookURL, "/") {
		webhookURL += "/"
	}

	c := &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

type response struct {
	Result           json.RawMessage `json:"result"`
	Total            *int            `json:"total,omitempty"`
	Next             *int            `json:"next,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
}

func (c *Client) call(ctx context.Context, op Op, method string, form url.Values) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL+method, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewValidationError(op, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewTransportError(op, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf("failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(op, fmt.Errorf("failed to read response body: %w", err))
	}

	var parsed response
	decodeErr := json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		e := NewTransportError(op, fmt.Errorf("server returned status %d", resp.StatusCode))
		e.StatusCode = resp.StatusCode
		if decodeErr == nil {
			e.Code = parsed.Error
		}
		return nil, e
	case resp.StatusCode >= 400:
		code, msg := fmt.Sprintf("HTTP_%d", resp.StatusCode), http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != "" {
			code, msg = parsed.Error, parsed.ErrorDescription
		}
		e := NewBusinessError(op, code, msg)
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	if decodeErr != nil {
		e := NewTransportError(op, fmt.Errorf("failed to decode response: %w", decodeErr))
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	if parsed.Error != "" {
		e := NewBusinessError(op, parsed.Error, parsed.ErrorDescription)
		e.StatusCode = resp.StatusCode
		return nil, e
	}

	return &parsed, nil
}

func (c *Client) LogTime(ctx context.Context, taskID, userID string, seconds int, comment string) error {
	if taskID == "" || seconds <= 0 {
		return NewValidationError(OpLogTime, "task id and positive seconds are required")
	}

	form := url.Values{}
	form.Set("taskId", taskID)
	form.Set("arFields[SECONDS]", strconv.Itoa(seconds))
	form.Set("arFields[COMMENT_TEXT]", comment)
	form.Set("arFields[USER_ID]", userID)

	_, err := c.call(ctx, OpLogTime, "task.elapseditem.add", form)
	return err
}

func (c *Client) AddComment(ctx context.Context, taskID, userID, text string) error {
	if taskID == "" || strings.TrimSpace(text) == "" {
		return NewValidationError(OpAddComment, "task id and comment text are required")
	}

	form := url.Values{}
	form.Set("taskId", taskID)
	form.Set("fields[POST_MESSAGE]", text)
	form.Set("fields[AUTHOR_ID]", userID)

	_, err := c.call(ctx, OpAddComment, "task.commentitem.add", form)
	return err
}

func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return NewValidationError(OpCompleteTask, "task id is required")
	}

	form := url.Values{}
	form.Set("taskId", taskID)

	_, err := c.call(ctx, OpCompleteTask, "tasks.task.complete", form)
	return err
}

func (c *Client) CreateTask(ctx context.Context, title, ownerID string, estimateSeconds int, groupID string, deadline *time.Time) (string, error) {
	if strings.TrimSpace(title) == "" || ownerID == "" {
		return "", NewValidationError(OpCreateTask, "title and owner id are required")
	}

	form := url.Values{}
	form.Set("fields[TITLE]", title)
	form.Set("fields[RESPONSIBLE_ID]", ownerID)
	form.Set("fields[TIME_ESTIMATE]", strconv.Itoa(estimateSeconds))
	form.Set("fields[GROUP_ID]", groupID)
	if deadline != nil {
		form.Set("fields[DEADLINE]", deadline.Format(time.RFC3339))
	}

	resp, err := c.call(ctx, OpCreateTask, "tasks.task.add", form)
	if err != nil {
		return "", err
	}

	var result struct {
		Task *taskDTO `json:"task"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			c.logger.Printf("failed to decode created task: %v", err)
		}
	}
	if result.Task == nil || result.Task.ID == nil {
		return "", nil
	}

	return string(*result.Task.ID), nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return NewValidationError(OpDeleteTask, "task id is required")
	}

	form := url.Values{}
	form.Set("taskId", taskID)

	_, err := c.call(ctx, OpDeleteTask, "tasks.task.delete", form)
	return err
}

func (c *Client) ToggleChecklistItem(ctx context.Context, taskID, itemID string, complete bool) error {
	if taskID == "" || itemID == "" {
		return NewValidationError(OpToggleChecklist, "task id and item id are required")
	}

	method := "task.checklistitem.renew"
	if complete {
		method = "task.checklistitem.complete"
	}

	form := url.Values{}
	form.Set("taskId", taskID)
	form.Set("itemId", itemID)

	_, err := c.call(ctx, OpToggleChecklist, method, form)
	return err
}

func (c *Client) ListTasks(ctx context.Context, ownerID string) ([]task.Record, error) {
	if ownerID == "" {
		return nil, NewValidationError(OpListTasks, "owner id is required")
	}

	var records []task.Record
	start := 0
	now := time.Now()

	for page := 0; page < maxPages; page++ {
		form := url.Values{}
		form.Set("filter[RESPONSIBLE_ID]", ownerID)
		form.Set("order[REAL_STATUS]", "asc")
		form.Set("order[DEADLINE]", "asc")
		form.Set("order[ID]", "desc")
		form.Set("start", strconv.Itoa(start))

		resp, err := c.call(ctx, OpListTasks, "tasks.task.list", form)
		if err != nil {
			return nil, err
		}

		var result struct {
			Tasks []taskDTO `json:"tasks"`
		}
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				e := NewTransportError(OpListTasks, fmt.Errorf("failed to decode task list: %w", err))
				return nil, e
			}
		}

		dropped := 0
		for _, dto := range result.Tasks {
			if dto.ID == nil || *dto.ID == "" {
				dropped++
				continue
			}
			records = append(records, dto.toRecord(ownerID, now))
		}
		if dropped > 0 {
			c.logger.Printf("Dropped %d tasks without id for owner %s", dropped, ownerID)
		}

		if resp.Next == nil || *resp.Next <= start {
			return records, nil
		}
		start = *resp.Next
	}

	return nil, NewTransportError(OpListTasks, fmt.Errorf("pagination did not terminate after %d pages", maxPages))
}
