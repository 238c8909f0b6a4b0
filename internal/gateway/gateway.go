// Package gateway orchestrates quota-governed LLM calls: pre-flight
// admission, provider invocation, post-call metering, and ledger writes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astralis-ai/astralis/internal/models"
	"github.com/astralis-ai/astralis/internal/pricing"
	"github.com/astralis-ai/astralis/internal/provider"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/astralis-ai/astralis/internal/usage"

	log "github.com/sirupsen/logrus"
)

// QuotaService is the narrow quota interface the gateway depends on.
type QuotaService interface {
	Check(ctx context.Context, userID uint64) (quota.CheckResult, error)
	Increment(ctx context.Context, userID uint64, tokensUsed, requestCount int64) error
	Entitlement(ctx context.Context, userID uint64) (models.Entitlement, error)
}

// LedgerSink receives usage events. Durability is the sink's concern; the
// gateway only emits.
type LedgerSink interface {
	Record(ctx context.Context, entry usage.Entry)
}

// ModelStream is the pull interface over a provider-side stream.
type ModelStream interface {
	Recv() (string, error)
	Usage() provider.Usage
	Close() error
}

// ModelClient invokes the upstream provider.
type ModelClient interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Completion, error)
	OpenStream(ctx context.Context, req provider.Request) (ModelStream, error)
}

// clientAdapter lifts *provider.Client to the ModelClient interface.
type clientAdapter struct {
	client *provider.Client
}

func (a clientAdapter) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	return a.client.Complete(ctx, req)
}

func (a clientAdapter) OpenStream(ctx context.Context, req provider.Request) (ModelStream, error) {
	return a.client.OpenStream(ctx, req)
}

// NewModelClient wraps a provider client for gateway use.
func NewModelClient(c *provider.Client) ModelClient { return clientAdapter{client: c} }

// Request describes one inbound AI request.
type Request struct {
	UserID          uint64
	Prompt          string
	SystemPrompt    string
	ModelID         string
	MaxOutputTokens int
	Temperature     float64
	RequestType     models.RequestType
}

// Response is a completed model invocation with metering attached.
type Response struct {
	Content      string
	Model        string
	Provider     string
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	CostInput    int64 // Micros.
	CostOutput   int64 // Micros.
	CostTotal    int64 // Micros.
	ResponseTime time.Duration
}

const defaultMaxOutputTokens = 1024

// Gateway mediates between quota policy and the external model provider.
type Gateway struct {
	quota  QuotaService
	ledger LedgerSink
	client ModelClient
	nowFn  func() time.Time
}

// New constructs a Gateway. A nil nowFn defaults to time.Now.
func New(quotaSvc QuotaService, ledger LedgerSink, client ModelClient, nowFn func() time.Time) *Gateway {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Gateway{quota: quotaSvc, ledger: ledger, client: client, nowFn: nowFn}
}

// preflight runs the shared admission sequence: quota check, allow-list
// validation, and token-budget estimation. It returns the normalized
// provider request on success.
func (g *Gateway) preflight(ctx context.Context, req Request) (provider.Request, *Error) {
	check, errCheck := g.quota.Check(ctx, req.UserID)
	if errCheck != nil {
		if errors.Is(errCheck, quota.ErrEntitlementNotFound) {
			return provider.Request{}, &Error{
				Kind:    KindConfiguration,
				Message: "no entitlement configured for user, contact support",
				Err:     errCheck,
			}
		}
		return provider.Request{}, &Error{Kind: KindTransport, Message: "quota check failed", Err: errCheck}
	}
	if !check.Allowed {
		return provider.Request{}, &Error{
			Kind:    KindQuotaExceeded,
			Message: "daily quota exceeded",
			Quota:   &check,
		}
	}

	ent, errEnt := g.quota.Entitlement(ctx, req.UserID)
	if errEnt != nil {
		return provider.Request{}, &Error{Kind: KindTransport, Message: "entitlement lookup failed", Err: errEnt}
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = pricing.DefaultModel
	}
	if len(ent.AllowedModels) > 0 && !ent.AllowedModels.Contains(modelID) {
		return provider.Request{}, &Error{
			Kind:    KindProviderInvalid,
			Message: fmt.Sprintf("model %q not allowed for plan", modelID),
		}
	}
	if len(ent.AllowedFeatures) > 0 && !ent.AllowedFeatures.Contains(string(req.RequestType)) {
		return provider.Request{}, &Error{
			Kind:    KindProviderInvalid,
			Message: fmt.Sprintf("feature %q not allowed for plan", req.RequestType),
		}
	}

	estimate := pricing.EstimateTokens(req.Prompt) + pricing.EstimateTokens(req.SystemPrompt)
	if estimate > check.TokensRemaining {
		return provider.Request{}, &Error{
			Kind:    KindTokenBudgetExceeded,
			Message: "input estimate exceeds remaining token budget",
			Quota:   &check,
		}
	}

	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = defaultMaxOutputTokens
	}
	return provider.Request{
		Model:           modelID,
		Prompt:          req.Prompt,
		SystemPrompt:    req.SystemPrompt,
		Temperature:     req.Temperature,
		MaxOutputTokens: maxOut,
	}, nil
}

// Invoke performs one blocking model call under quota governance.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	started := g.nowFn()

	providerReq, preErr := g.preflight(ctx, req)
	if preErr != nil {
		g.recordFailure(ctx, req, providerReq.Model, started, preErr)
		return nil, preErr
	}

	completion, errComplete := g.client.Complete(ctx, providerReq)
	if errComplete != nil {
		classified := classifyProviderError(errComplete)
		g.recordFailure(ctx, req, providerReq.Model, started, classified)
		return nil, classified
	}

	return g.settle(ctx, req, providerReq.Model, started, completion.Content, completion.Usage), nil
}

// settle performs the shared terminal accounting for a successful call:
// quota increment with the exact provider-reported totals, then the ledger
// write.
func (g *Gateway) settle(ctx context.Context, req Request, modelID string, started time.Time, content string, providerUsage provider.Usage) *Response {
	elapsed := g.nowFn().Sub(started)
	cost := pricing.ComputeCost(providerUsage.InputTokens, providerUsage.OutputTokens, modelID)

	if errInc := g.quota.Increment(ctx, req.UserID, providerUsage.Total(), 1); errInc != nil {
		// The provider already billed this work; losing the increment is
		// logged loudly but must not fail the response.
		log.WithError(errInc).WithField("user_id", req.UserID).Error("gateway: quota increment failed after provider success")
	}

	g.ledger.Record(ctx, usage.Entry{
		UserID:       req.UserID,
		RequestType:  req.RequestType,
		Provider:     provider.Name,
		Model:        modelID,
		RequestedAt:  started,
		TokensInput:  providerUsage.InputTokens,
		TokensOutput: providerUsage.OutputTokens,
		TokensTotal:  providerUsage.Total(),
		CostInput:    cost.InputMicros,
		CostOutput:   cost.OutputMicros,
		CostTotal:    cost.TotalMicros,
		ResponseTime: elapsed,
		Status:       models.UsageStatusSuccess,
	})

	return &Response{
		Content:      content,
		Model:        modelID,
		Provider:     provider.Name,
		TokensInput:  providerUsage.InputTokens,
		TokensOutput: providerUsage.OutputTokens,
		TokensTotal:  providerUsage.Total(),
		CostInput:    cost.InputMicros,
		CostOutput:   cost.OutputMicros,
		CostTotal:    cost.TotalMicros,
		ResponseTime: elapsed,
	}
}

// recordFailure writes an error ledger row with zeroed metrics. Work the
// provider never billed is not counted against quota.
func (g *Gateway) recordFailure(ctx context.Context, req Request, modelID string, started time.Time, cause *Error) {
	if modelID == "" {
		modelID = req.ModelID
	}
	if modelID == "" {
		modelID = pricing.DefaultModel
	}
	g.ledger.Record(ctx, usage.Entry{
		UserID:       req.UserID,
		RequestType:  req.RequestType,
		Provider:     provider.Name,
		Model:        modelID,
		RequestedAt:  started,
		ResponseTime: g.nowFn().Sub(started),
		Status:       models.UsageStatusError,
		ErrorMessage: cause.Error(),
	})
}
