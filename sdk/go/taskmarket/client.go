// Package taskmarket is a Go client for the taskmarketd REST API.
package taskmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// AccountHeader carries the caller address on write requests.
const AccountHeader = "X-Account"

// Client wraps the HTTP interactions with the taskmarketd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu      sync.RWMutex
	account string
}

// Task mirrors a registry task. Addresses are checksummed hex strings and
// amounts are decimal wei strings.
type Task struct {
	ID          uint64 `json:"id"`
	Creator     string `json:"creator"`
	Worker      string `json:"worker"`
	Prompt      string `json:"prompt"`
	ResultURI   string `json:"result_uri"`
	Reward      string `json:"reward"`
	State       string `json:"state"`
	CompletedAt int64  `json:"completed_at"`
}

// TaskPage is a page of tasks in creation order.
type TaskPage struct {
	Tasks  []Task `json:"tasks"`
	Total  uint64 `json:"total"`
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

// RegistryInfo summarizes the registry.
type RegistryInfo struct {
	Owner     string `json:"owner"`
	TaskCount uint64 `json:"task_count"`
	Escrow    string `json:"escrow"`
}

// Permissions holds the predicates evaluated for one account and task.
type Permissions struct {
	TaskID      uint64 `json:"task_id"`
	Account     string `json:"account"`
	IsCreator   bool   `json:"is_creator"`
	IsWorker    bool   `json:"is_worker"`
	CanAccept   bool   `json:"can_accept"`
	CanComplete bool   `json:"can_complete"`
	CanApprove  bool   `json:"can_approve"`
}

// Event is one lifecycle event.
type Event struct {
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	TaskID     uint64 `json:"task_id"`
	Creator    string `json:"creator,omitempty"`
	Worker     string `json:"worker,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	ResultURI  string `json:"result_uri,omitempty"`
	Reward     string `json:"reward,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// ChainStatus reports the progress of the chain mirror.
type ChainStatus struct {
	Chain     string `json:"chain"`
	Contract  string `json:"contract"`
	LastBlock uint64 `json:"last_block"`
	LastSeq   uint64 `json:"last_seq"`
	TaskCount uint64 `json:"task_count"`
	Escrow    string `json:"escrow"`
	Live      bool   `json:"live"`
	LastError string `json:"last_error,omitempty"`
}

// APIError represents a rejected call. Selector and Revert carry the custom
// error encoding of the matching contract revert.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Selector   string            `json:"selector,omitempty"`
	Revert     string            `json:"revert,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskmarket api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the taskmarketd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Account returns the caller address sent with write requests.
func (c *Client) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// SetAccount sets the caller address sent with write requests.
func (c *Client) SetAccount(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = account
}

// Registry returns the owner, task count and escrow balance.
func (c *Client) Registry(ctx context.Context) (RegistryInfo, error) {
	var info RegistryInfo
	err := c.get(ctx, "/api/v1/registry", nil, &info)
	return info, err
}

// CreateTask posts a task funded with reward wei.
func (c *Client) CreateTask(ctx context.Context, prompt, reward string) (Task, error) {
	var task Task
	body := map[string]string{"prompt": prompt, "reward": reward}
	err := c.post(ctx, "/api/v1/tasks", body, &task)
	return task, err
}

// ListTasks returns tasks in creation order.
func (c *Client) ListTasks(ctx context.Context, offset, limit uint64) (TaskPage, error) {
	var page TaskPage
	err := c.get(ctx, "/api/v1/tasks", pageQuery(offset, limit), &page)
	return page, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id uint64) (Task, error) {
	var task Task
	err := c.get(ctx, taskPath(id, ""), nil, &task)
	return task, err
}

// AcceptTask assigns the task to the configured account.
func (c *Client) AcceptTask(ctx context.Context, id uint64) (Task, error) {
	var task Task
	err := c.post(ctx, taskPath(id, "accept"), nil, &task)
	return task, err
}

// CompleteTask submits the result URI as the task worker.
func (c *Client) CompleteTask(ctx context.Context, id uint64, resultURI string) (Task, error) {
	var task Task
	err := c.post(ctx, taskPath(id, "complete"), map[string]string{"result_uri": resultURI}, &task)
	return task, err
}

// ApproveTask releases the reward as the task creator.
func (c *Client) ApproveTask(ctx context.Context, id uint64) (Task, error) {
	var task Task
	err := c.post(ctx, taskPath(id, "approve"), nil, &task)
	return task, err
}

// Permissions evaluates the permission predicates for account on a task.
// An empty account uses the configured one.
func (c *Client) Permissions(ctx context.Context, id uint64, account string) (Permissions, error) {
	var perms Permissions
	var query url.Values
	if account != "" {
		query = url.Values{"account": []string{account}}
	}
	err := c.get(ctx, taskPath(id, "permissions"), query, &perms)
	return perms, err
}

// TasksByCreator lists the ids of tasks created by creator.
func (c *Client) TasksByCreator(ctx context.Context, creator string) ([]uint64, error) {
	var out struct {
		TaskIDs []uint64 `json:"task_ids"`
	}
	err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(creator)+"/tasks", nil, &out)
	return out.TaskIDs, err
}

// Balance returns the wei credited to account.
func (c *Client) Balance(ctx context.Context, account string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(account)+"/balance", nil, &out)
	return out.Balance, err
}

// EmergencyWithdraw sweeps the escrow to the owner. The configured account
// must be the owner.
func (c *Client) EmergencyWithdraw(ctx context.Context) (string, error) {
	var out struct {
		Amount string `json:"amount"`
	}
	err := c.post(ctx, "/api/v1/admin/emergency-withdraw", nil, &out)
	return out.Amount, err
}

// Events returns up to limit events with a sequence greater than after.
func (c *Client) Events(ctx context.Context, after, limit uint64) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	query := url.Values{"after": []string{strconv.FormatUint(after, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.FormatUint(limit, 10))
	}
	err := c.get(ctx, "/api/v1/events", query, &out)
	return out.Events, err
}

// ChainStatus reports the chain mirror progress.
func (c *Client) ChainStatus(ctx context.Context) (ChainStatus, error) {
	var status ChainStatus
	err := c.get(ctx, "/api/v1/chain/status", nil, &status)
	return status, err
}

// ChainTasks lists tasks mirrored from the deployed contract.
func (c *Client) ChainTasks(ctx context.Context, offset, limit uint64) (TaskPage, error) {
	var page TaskPage
	err := c.get(ctx, "/api/v1/chain/tasks", pageQuery(offset, limit), &page)
	return page, err
}

func taskPath(id uint64, action string) string {
	p := "/api/v1/tasks/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func pageQuery(offset, limit uint64) url.Values {
	query := url.Values{"offset": []string{strconv.FormatUint(offset, 10)}}
	if limit > 0 {
		query.Set("limit", strconv.FormatUint(limit, 10))
	}
	return query
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	account := c.Account()
	if account == "" {
		return errors.New("taskmarket: account is not set")
	}
	req.Header.Set(AccountHeader, account)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	if account := c.Account(); account != "" {
		req.Header.Set(AccountHeader, account)
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
