package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// TargetResolver answers whether a target entity (contact, deal,
// company) still exists in the CRM layer. A missing target is a
// permanent failure: the dispatcher auto-cancels the enrollment.
type TargetResolver interface {
	TargetExists(ctx context.Context, targetType string, targetID uint) (bool, error)
}

// TargetResolverFunc adapts a function to the TargetResolver interface
type TargetResolverFunc func(ctx context.Context, targetType string, targetID uint) (bool, error)

func (f TargetResolverFunc) TargetExists(ctx context.Context, targetType string, targetID uint) (bool, error) {
	return f(ctx, targetType, targetID)
}

// CRMClient resolves targets against the CRM service's REST surface
type CRMClient struct {
	BaseURL string
	APIKey  string
	Client  *fasthttp.Client
	Timeout time.Duration
}

func NewCRMClient(baseURL, apiKey string, timeout time.Duration) *CRMClient {
	return &CRMClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &fasthttp.Client{},
		Timeout: timeout,
	}
}

// TargetExists issues GET /api/v1/{type}s/{id} and maps 404 to a clean
// "gone" answer. Transport errors bubble up so the dispatcher treats
// them as transient rather than cancelling anything.
func (cc *CRMClient) TargetExists(ctx context.Context, targetType string, targetID uint) (bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/api/v1/%ss/%d", cc.BaseURL, targetType, targetID))
	req.Header.SetMethod(fasthttp.MethodGet)
	if cc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cc.APIKey)
	}

	if err := cc.Client.DoTimeout(req, resp, cc.Timeout); err != nil {
		return false, fmt.Errorf("crm lookup failed: %w", err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
		return true, nil
	case fasthttp.StatusNotFound, fasthttp.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("crm lookup returned status %d", resp.StatusCode())
	}
}

// RecipientEmail fetches the target's email address and display name
// from the CRM. A missing target is a permanent failure, transport
// trouble is transient.
func (cc *CRMClient) RecipientEmail(ctx context.Context, targetType string, targetID uint) (string, string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/api/v1/%ss/%d", cc.BaseURL, targetType, targetID))
	req.Header.SetMethod(fasthttp.MethodGet)
	if cc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cc.APIKey)
	}

	if err := cc.Client.DoTimeout(req, resp, cc.Timeout); err != nil {
		return "", "", &TransientExecutionError{Err: fmt.Errorf("crm lookup failed: %w", err)}
	}

	switch {
	case resp.StatusCode() == fasthttp.StatusNotFound || resp.StatusCode() == fasthttp.StatusGone:
		return "", "", &PermanentExecutionError{Err: fmt.Errorf("%s %d does not exist", targetType, targetID)}
	case resp.StatusCode() != fasthttp.StatusOK:
		return "", "", &TransientExecutionError{Err: fmt.Errorf("crm lookup returned status %d", resp.StatusCode())}
	}

	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", "", &TransientExecutionError{Err: fmt.Errorf("failed to decode crm response: %w", err)}
	}
	if body.Email == "" {
		return "", "", &PermanentExecutionError{Err: fmt.Errorf("%s %d has no email address", targetType, targetID)}
	}
	return body.Email, body.Name, nil
}
