package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cadence/engine"

	"github.com/valyala/fasthttp"
)

// Task creation results
const (
	TaskCreated       = "created"
	TaskAlreadyExists = "already_exists"
)

// TaskRequest is one task handed to the external task service
type TaskRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Assignee       string `json:"assignee,omitempty"`
	TargetType     string `json:"target_type"`
	TargetID       uint   `json:"target_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// TaskCreator is the external task-creation collaborator contract.
// Creation must be idempotent on the key: the dispatcher's claim model
// is at-least-once, and a retried claim must not create a second task.
type TaskCreator interface {
	CreateTask(ctx context.Context, req TaskRequest) (string, error)
}

// IdempotencyKey identifies one logical task per (enrollment, step)
func IdempotencyKey(enrollmentID, stepID uint) string {
	return fmt.Sprintf("enrollment:%d:step:%d", enrollmentID, stepID)
}

// TaskExecutor creates a follow-up task for the target
type TaskExecutor struct {
	Creator TaskCreator
	Logger  *log.Logger
}

func NewTaskExecutor(creator TaskCreator, logger *log.Logger) *TaskExecutor {
	return &TaskExecutor{
		Creator: creator,
		Logger:  logger,
	}
}

func (te *TaskExecutor) Execute(ctx context.Context, ec ExecutionContext) Outcome {
	req := TaskRequest{
		Title:          ec.Config.Title,
		Description:    ec.Config.Description,
		Assignee:       ec.Config.Assignee,
		TargetType:     ec.TargetType,
		TargetID:       ec.TargetID,
		IdempotencyKey: IdempotencyKey(ec.EnrollmentID, ec.StepID),
	}

	result, err := te.Creator.CreateTask(ctx, req)
	if err != nil {
		return classify(err)
	}

	switch result {
	case TaskAlreadyExists:
		// An earlier attempt got through before its claim went stale
		return Success(fmt.Sprintf("task already existed for key %s", req.IdempotencyKey))
	default:
		te.Logger.Printf("Created task %q for %s %d", req.Title, ec.TargetType, ec.TargetID)
		return Success(fmt.Sprintf("created task for key %s", req.IdempotencyKey))
	}
}

// TaskServiceClient talks to the external task service over HTTP
type TaskServiceClient struct {
	BaseURL string
	APIKey  string
	Client  *fasthttp.Client
	Timeout time.Duration
}

func NewTaskServiceClient(baseURL, apiKey string, timeout time.Duration) *TaskServiceClient {
	return &TaskServiceClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &fasthttp.Client{},
		Timeout: timeout,
	}
}

func (tc *TaskServiceClient) CreateTask(ctx context.Context, taskReq TaskRequest) (string, error) {
	payload, err := json.Marshal(taskReq)
	if err != nil {
		return "", &engine.PermanentExecutionError{Err: fmt.Errorf("failed to encode task request: %w", err)}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(tc.BaseURL + "/api/v1/tasks")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", taskReq.IdempotencyKey)
	if tc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+tc.APIKey)
	}
	req.SetBody(payload)

	if err := tc.Client.DoTimeout(req, resp, tc.Timeout); err != nil {
		return "", &engine.TransientExecutionError{Err: fmt.Errorf("task service unreachable: %w", err)}
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusCreated || code == fasthttp.StatusOK:
		return TaskCreated, nil
	case code == fasthttp.StatusConflict:
		return TaskAlreadyExists, nil
	case code == fasthttp.StatusTooManyRequests || code >= 500:
		return "", &engine.TransientExecutionError{Err: fmt.Errorf("task service returned status %d", code)}
	default:
		return "", &engine.PermanentExecutionError{Err: fmt.Errorf("task service rejected the request with status %d", code)}
	}
}
