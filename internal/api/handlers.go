package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskcoord/internal/aggregator"
	"taskcoord/internal/coordinator"
)

// 错误码随响应返回，客户端据此还原错误类型。
const (
	CodeUnauthorized        = "unauthorized"
	CodeResultSubmitted     = "result_submitted"
	CodeNotFound            = "not_found"
	CodeInvalidInput        = "invalid_input"
	CodeInvalidSubmission   = "invalid_submission"
	CodeTaskFinished        = "task_finished"
	CodeDuplicateSubmission = "duplicate_submission"
	CodeRateLimited         = "rate_limited"
	CodeStorage             = "storage"
	CodeInternal            = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type CreateTaskRequest struct {
	Payload *int64 `json:"payload" binding:"required"`
	Worker  string `json:"worker"`
}

type CreateTaskResponse struct {
	TaskID coordinator.TaskID `json:"taskID"`
}

type RespondRequest struct {
	Result *int64 `json:"result" binding:"required"`
}

type TaskInputResponse struct {
	TaskID  coordinator.TaskID `json:"taskID"`
	Payload int64              `json:"payload"`
	Worker  string             `json:"worker,omitempty"`
}

type TaskResultResponse struct {
	TaskID coordinator.TaskID `json:"taskID"`
	Result int64              `json:"result"`
}

type WorkerScoreResponse struct {
	Worker   string `json:"worker"`
	Score    int64  `json:"score"`
	MaxScore int64  `json:"maxScore"`
}

type SubmitResponse struct {
	Status   string              `json:"status"`
	Decision aggregator.Decision `json:"decision"`
}

type TaskEventsResponse struct {
	TaskID coordinator.TaskID  `json:"taskID"`
	Events []coordinator.Event `json:"events"`
}

type PerformerDataResponse struct {
	Result  string `json:"result"`
	Address string `json:"address"`
}

func (s *Server) health(c *gin.Context) {
	pending, err := s.coord.PendingNotifications(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pendingNotifications": pending})
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: CodeInvalidInput})
		return
	}
	caller := c.GetHeader(CallerHeader)
	if caller == "" {
		caller = "anonymous"
	}
	id, err := s.coord.CreateTask(c.Request.Context(), caller, coordinator.TaskInput{Payload: *req.Payload, Worker: req.Worker})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateTaskResponse{TaskID: id})
}

func (s *Server) respondToTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: CodeInvalidInput})
		return
	}
	if err := s.coord.RespondToTask(c.Request.Context(), c.GetHeader(CallerHeader), id, *req.Result); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) taskInput(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	in, err := s.coord.TaskInput(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TaskInputResponse{TaskID: id, Payload: in.Payload, Worker: in.Worker})
}

func (s *Server) taskResult(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	result, err := s.coord.TaskResult(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TaskResultResponse{TaskID: id, Result: result})
}

func (s *Server) taskEvents(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	events, err := s.journal.Events(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []coordinator.Event{}
	}
	c.JSON(http.StatusOK, TaskEventsResponse{TaskID: id, Events: events})
}

func (s *Server) workerScore(c *gin.Context) {
	worker := c.Param("worker")
	score, err := s.coord.WorkerScore(c.Request.Context(), worker)
	if err != nil {
		s.writeError(c, err)
		return
	}
	total, err := s.coord.WorkerMaxScore(c.Request.Context(), worker)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, WorkerScoreResponse{Worker: worker, Score: score, MaxScore: total})
}

func (s *Server) submit(c *gin.Context) {
	var sub aggregator.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: CodeInvalidInput})
		return
	}
	d, err := s.agg.Submit(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SubmitResponse{Status: "success", Decision: d})
}

func (s *Server) performerData(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	sub, err := s.agg.PerformerData(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PerformerDataResponse{Result: sub.Result, Address: sub.Address})
}

func (s *Server) taskID(c *gin.Context) (coordinator.TaskID, bool) {
	id, err := coordinator.ParseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid task id " + c.Param("id"), Code: CodeInvalidInput})
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, errorBody{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var se *coordinator.StorageError
	switch {
	case errors.Is(err, coordinator.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, coordinator.ErrResultSubmitted):
		return http.StatusConflict, CodeResultSubmitted
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, coordinator.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, aggregator.ErrInvalidRole),
		errors.Is(err, aggregator.ErrInvalidResult),
		errors.Is(err, aggregator.ErrStaleSubmission),
		errors.Is(err, aggregator.ErrWrongPerformer):
		return http.StatusBadRequest, CodeInvalidSubmission
	case errors.Is(err, aggregator.ErrTaskFinished):
		return http.StatusConflict, CodeTaskFinished
	case errors.Is(err, aggregator.ErrDuplicateSubmission):
		return http.StatusConflict, CodeDuplicateSubmission
	case errors.As(err, &se):
		return http.StatusInternalServerError, CodeStorage
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
