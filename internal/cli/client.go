package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danpasecinic/taskflow/internal/daemon/api"
	"github.com/danpasecinic/taskflow/internal/types"
)

var (
	// ErrNotFound is returned when the daemon has no task with the requested id
	ErrNotFound = errors.New("not found")
	// ErrDaemonUnreachable is returned when no daemon answers at the configured URL
	ErrDaemonUnreachable = errors.New("cannot connect to daemon")
)

// SearchParams narrows a task listing. Zero values mean no filter.
type SearchParams struct {
	CreatedBy string
	IsRunning *bool
	Start     int
	Size      int
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) SearchTasks(params SearchParams) (*types.TaskList, error) {
	query := url.Values{}
	if params.CreatedBy != "" {
		query.Set("created_by", params.CreatedBy)
	}
	if params.IsRunning != nil {
		query.Set("is_running", strconv.FormatBool(*params.IsRunning))
	}
	query.Set("start", strconv.Itoa(params.Start))
	query.Set("size", strconv.Itoa(params.Size))

	var list types.TaskList
	if err := c.get("/api/v1/tasks?"+query.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetTask(taskID string) (*types.Task, error) {
	var task types.Task
	if err := c.get("/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetResources() (*api.ResourcesResponse, error) {
	var res api.ResourcesResponse
	if err := c.get("/api/v1/resources", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SocketURL returns the websocket address tasks are submitted to
func (c *Client) SocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse daemon url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported daemon url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/tasks/start"
	return u.String(), nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
