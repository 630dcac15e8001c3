// Package client 是协调器 HTTP API 的客户端，供命令行与执行节点使用。
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

	"github.com/pkg/errors"

	"taskcoord/internal/aggregator"
	"taskcoord/internal/api"
	"taskcoord/internal/coordinator"
)

// APIError 是服务端返回的错误，可用 errors.Is 与协调器/聚合器的哨兵错误比较。
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeUnauthorized:
		return coordinator.ErrUnauthorized
	case api.CodeResultSubmitted:
		return coordinator.ErrResultSubmitted
	case api.CodeNotFound:
		return coordinator.ErrNotFound
	case api.CodeInvalidInput:
		return coordinator.ErrInvalidInput
	case api.CodeTaskFinished:
		return aggregator.ErrTaskFinished
	case api.CodeDuplicateSubmission:
		return aggregator.ErrDuplicateSubmission
	}
	return nil
}

// Client 以固定的调用方身份访问协调器 API。
type Client struct {
	baseURL string
	caller  string
	token   string
	http    *http.Client
}

// New 创建客户端，caller 作为 X-Caller 身份随每个请求发送。
func New(baseURL, caller string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  caller,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// WithToken 返回携带聚合者令牌的副本，RespondToTask 需要它。
func (c *Client) WithToken(token string) *Client {
	dup := *c
	dup.token = token
	return &dup
}

// CreateTask 创建任务并返回编号。
func (c *Client) CreateTask(ctx context.Context, in coordinator.TaskInput) (coordinator.TaskID, error) {
	var resp api.CreateTaskResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks", api.CreateTaskRequest{Payload: &in.Payload, Worker: in.Worker}, &resp)
	return resp.TaskID, err
}

// RespondToTask 以聚合者身份提交结果。
func (c *Client) RespondToTask(ctx context.Context, id coordinator.TaskID, result int64) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+id.String()+"/response", api.RespondRequest{Result: &result}, nil)
}

// TaskInput 查询任务输入。
func (c *Client) TaskInput(ctx context.Context, id coordinator.TaskID) (coordinator.TaskInput, error) {
	var resp api.TaskInputResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+id.String(), nil, &resp)
	return coordinator.TaskInput{Payload: resp.Payload, Worker: resp.Worker}, err
}

// TaskResult 查询任务结果。
func (c *Client) TaskResult(ctx context.Context, id coordinator.TaskID) (int64, error) {
	var resp api.TaskResultResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+id.String()+"/result", nil, &resp)
	return resp.Result, err
}

// WorkerScore 查询工作者的得分与满分。
func (c *Client) WorkerScore(ctx context.Context, worker string) (api.WorkerScoreResponse, error) {
	var resp api.WorkerScoreResponse
	err := c.do(ctx, http.MethodGet, "/api/workers/"+url.PathEscape(worker)+"/score", nil, &resp)
	return resp, err
}

// Submit 向聚合器提交执行者或验证者结果。
func (c *Client) Submit(ctx context.Context, sub aggregator.Submission) (aggregator.Decision, error) {
	var resp api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/api/aggregator", sub, &resp)
	return resp.Decision, err
}

// Events 查询任务的事件日志，服务端未配置事件日志时返回 404。
func (c *Client) Events(ctx context.Context, id coordinator.TaskID) ([]coordinator.Event, error) {
	var resp api.TaskEventsResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+id.String()+"/events", nil, &resp)
	return resp.Events, err
}

// PerformerData 查询任务执行者的提交。
func (c *Client) PerformerData(ctx context.Context, id coordinator.TaskID) (aggregator.Submission, error) {
	var resp api.PerformerDataResponse
	if err := c.do(ctx, http.MethodGet, "/task/"+id.String(), nil, &resp); err != nil {
		return aggregator.Submission{}, err
	}
	return aggregator.Submission{TaskID: id, Role: aggregator.RolePerformer, Address: resp.Address, Result: resp.Result}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set(api.CallerHeader, c.caller)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s response", path)
}
