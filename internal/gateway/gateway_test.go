package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/astralis-ai/astralis/internal/models"
	"github.com/astralis-ai/astralis/internal/provider"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/astralis-ai/astralis/internal/usage"
)

type incrementCall struct {
	tokens   int64
	requests int64
}

type fakeQuota struct {
	result     quota.CheckResult
	checkErr   error
	ent        models.Entitlement
	increments []incrementCall
}

func (f *fakeQuota) Check(_ context.Context, _ uint64) (quota.CheckResult, error) {
	return f.result, f.checkErr
}

func (f *fakeQuota) Increment(_ context.Context, _ uint64, tokensUsed, requestCount int64) error {
	f.increments = append(f.increments, incrementCall{tokens: tokensUsed, requests: requestCount})
	return nil
}

func (f *fakeQuota) Entitlement(_ context.Context, _ uint64) (models.Entitlement, error) {
	return f.ent, nil
}

type fakeLedger struct {
	entries []usage.Entry
}

func (f *fakeLedger) Record(_ context.Context, entry usage.Entry) {
	f.entries = append(f.entries, entry)
}

type fakeStream struct {
	fragments []string
	usage     provider.Usage
	recvErr   error
	pos       int
	closed    bool
}

func (f *fakeStream) Recv() (string, error) {
	if f.pos < len(f.fragments) {
		fragment := f.fragments[f.pos]
		f.pos++
		return fragment, nil
	}
	if f.recvErr != nil {
		return "", f.recvErr
	}
	return "", io.EOF
}

func (f *fakeStream) Usage() provider.Usage { return f.usage }
func (f *fakeStream) Close() error          { f.closed = true; return nil }

type fakeClient struct {
	completion  *provider.Completion
	completeErr error
	stream      *fakeStream
	openErr     error
	calls       int
}

func (f *fakeClient) Complete(_ context.Context, _ provider.Request) (*provider.Completion, error) {
	f.calls++
	return f.completion, f.completeErr
}

func (f *fakeClient) OpenStream(_ context.Context, _ provider.Request) (ModelStream, error) {
	f.calls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func allowedQuota() *fakeQuota {
	return &fakeQuota{
		result: quota.CheckResult{
			Allowed:           true,
			RequestsRemaining: 100,
			TokensRemaining:   100_000,
			ResetAt:           time.Now().Add(12 * time.Hour),
		},
		ent: models.Entitlement{
			UserID:          1,
			PlanType:        models.PlanPro,
			AllowedModels:   models.StringList{"gpt-4o", "gpt-4o-mini"},
			AllowedFeatures: models.StringList{"chat", "daily_reading"},
		},
	}
}

func chatRequest() Request {
	return Request{
		UserID:      1,
		Prompt:      "What does my chart say today?",
		ModelID:     "gpt-4o",
		RequestType: models.RequestTypeChat,
	}
}

func TestInvoke_Success(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	client := &fakeClient{
		completion: &provider.Completion{
			Content: "A fine day for Virgos.",
			Usage:   provider.Usage{InputTokens: 120, OutputTokens: 80},
		},
	}
	gw := New(quotaSvc, ledger, client, nil)

	resp, err := gw.Invoke(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Content != "A fine day for Virgos." {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.TokensTotal != 200 {
		t.Fatalf("expected total tokens=200, got %d", resp.TokensTotal)
	}
	if resp.CostTotal != resp.CostInput+resp.CostOutput {
		t.Fatalf("cost breakdown does not add up: %+v", resp)
	}

	if len(quotaSvc.increments) != 1 {
		t.Fatalf("expected one increment, got %d", len(quotaSvc.increments))
	}
	if quotaSvc.increments[0].tokens != 200 || quotaSvc.increments[0].requests != 1 {
		t.Fatalf("unexpected increment %+v", quotaSvc.increments[0])
	}

	if len(ledger.entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(ledger.entries))
	}
	entry := ledger.entries[0]
	if entry.Status != models.UsageStatusSuccess {
		t.Fatalf("expected success entry, got %s", entry.Status)
	}
	if entry.TokensInput != 120 || entry.TokensOutput != 80 {
		t.Fatalf("expected provider-reported tokens in ledger, got %+v", entry)
	}
}

func TestInvoke_QuotaDeniedFailsFast(t *testing.T) {
	quotaSvc := allowedQuota()
	quotaSvc.result.Allowed = false
	ledger := &fakeLedger{}
	client := &fakeClient{}
	gw := New(quotaSvc, ledger, client, nil)

	_, err := gw.Invoke(context.Background(), chatRequest())
	if KindOf(err) != KindQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Quota == nil {
		t.Fatalf("expected remaining-quota info on error, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no provider call on quota denial")
	}
	if len(quotaSvc.increments) != 0 {
		t.Fatalf("expected no increment on quota denial")
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Status != models.UsageStatusError {
		t.Fatalf("expected one error ledger entry, got %+v", ledger.entries)
	}
}

func TestInvoke_TokenBudgetExceeded(t *testing.T) {
	quotaSvc := allowedQuota()
	quotaSvc.result.TokensRemaining = 2
	ledger := &fakeLedger{}
	client := &fakeClient{}
	gw := New(quotaSvc, ledger, client, nil)

	_, err := gw.Invoke(context.Background(), chatRequest())
	if KindOf(err) != KindTokenBudgetExceeded {
		t.Fatalf("expected token_budget_exceeded, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no provider call when estimate exceeds budget")
	}
}

func TestInvoke_DisallowedModel(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	gw := New(quotaSvc, ledger, &fakeClient{}, nil)

	req := chatRequest()
	req.ModelID = "gpt-5-super"
	_, err := gw.Invoke(context.Background(), req)
	if KindOf(err) != KindProviderInvalid {
		t.Fatalf("expected provider_request_invalid, got %v", err)
	}
}

func TestInvoke_DisallowedFeature(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	gw := New(quotaSvc, ledger, &fakeClient{}, nil)

	req := chatRequest()
	req.RequestType = models.RequestTypeCompatibility
	_, err := gw.Invoke(context.Background(), req)
	if KindOf(err) != KindProviderInvalid {
		t.Fatalf("expected provider_request_invalid, got %v", err)
	}
}

func TestInvoke_MissingEntitlement(t *testing.T) {
	quotaSvc := &fakeQuota{checkErr: quota.ErrEntitlementNotFound}
	ledger := &fakeLedger{}
	gw := New(quotaSvc, ledger, &fakeClient{}, nil)

	_, err := gw.Invoke(context.Background(), chatRequest())
	if KindOf(err) != KindConfiguration {
		t.Fatalf("expected configuration_error, got %v", err)
	}
}

func TestInvoke_ProviderFailureRecordsErrorWithoutIncrement(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	client := &fakeClient{
		completeErr: &provider.StatusError{StatusCode: http.StatusServiceUnavailable, Message: "upstream down"},
	}
	gw := New(quotaSvc, ledger, client, nil)

	_, err := gw.Invoke(context.Background(), chatRequest())
	if KindOf(err) != KindTransport {
		t.Fatalf("expected transport_error, got %v", err)
	}
	if len(quotaSvc.increments) != 0 {
		t.Fatalf("expected no increment for unbilled work")
	}
	if len(ledger.entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(ledger.entries))
	}
	entry := ledger.entries[0]
	if entry.Status != models.UsageStatusError || entry.TokensTotal != 0 {
		t.Fatalf("expected zero-metric error entry, got %+v", entry)
	}
	if entry.ErrorMessage == "" {
		t.Fatalf("expected error message on failure entry")
	}
}

func TestInvoke_ProviderRateLimitedClassification(t *testing.T) {
	quotaSvc := allowedQuota()
	gw := New(quotaSvc, &fakeLedger{}, &fakeClient{
		completeErr: &provider.StatusError{StatusCode: http.StatusTooManyRequests, Message: "slow down"},
	}, nil)

	_, err := gw.Invoke(context.Background(), chatRequest())
	if KindOf(err) != KindProviderRateLimited {
		t.Fatalf("expected provider_rate_limited, got %v", err)
	}
}

func TestInvokeStreaming_CleanCompletionSettlesOnce(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	stream := &fakeStream{
		fragments: []string{"The stars ", "favor you."},
		usage:     provider.Usage{InputTokens: 50, OutputTokens: 12},
	}
	gw := New(quotaSvc, ledger, &fakeClient{stream: stream}, nil)

	rs, err := gw.InvokeStreaming(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("invoke streaming: %v", err)
	}

	var assembled string
	for {
		fragment, errRecv := rs.Recv()
		if errRecv == io.EOF {
			break
		}
		if errRecv != nil {
			t.Fatalf("recv: %v", errRecv)
		}
		assembled += fragment
	}
	if assembled != "The stars favor you." {
		t.Fatalf("unexpected assembled content %q", assembled)
	}

	final := rs.Final()
	if final == nil {
		t.Fatalf("expected final response after clean completion")
	}
	if final.TokensTotal != 62 {
		t.Fatalf("expected total tokens=62, got %d", final.TokensTotal)
	}
	if len(quotaSvc.increments) != 1 || quotaSvc.increments[0].tokens != 62 {
		t.Fatalf("expected single increment of 62 tokens, got %+v", quotaSvc.increments)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Status != models.UsageStatusSuccess {
		t.Fatalf("expected one success ledger entry, got %+v", ledger.entries)
	}
	if !stream.closed {
		t.Fatalf("expected provider stream closed after completion")
	}

	// Recv after completion stays io.EOF and never double-settles.
	if _, errAgain := rs.Recv(); errAgain != io.EOF {
		t.Fatalf("expected io.EOF after completion, got %v", errAgain)
	}
	if len(quotaSvc.increments) != 1 {
		t.Fatalf("expected settlement exactly once")
	}
}

func TestInvokeStreaming_AbortDoesNotBill(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	stream := &fakeStream{fragments: []string{"partial ", "output "}}
	gw := New(quotaSvc, ledger, &fakeClient{stream: stream}, nil)

	rs, err := gw.InvokeStreaming(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("invoke streaming: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, errRecv := rs.Recv(); errRecv != nil {
			t.Fatalf("recv %d: %v", i+1, errRecv)
		}
	}
	if errClose := rs.Close(); errClose != nil {
		t.Fatalf("close: %v", errClose)
	}

	if rs.Final() != nil {
		t.Fatalf("expected no final response after abort")
	}
	if len(quotaSvc.increments) != 0 {
		t.Fatalf("expected no quota increment after abort, got %+v", quotaSvc.increments)
	}
	if len(ledger.entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(ledger.entries))
	}
	if ledger.entries[0].Status != models.UsageStatusError {
		t.Fatalf("expected error entry on abort, got %s", ledger.entries[0].Status)
	}
	if !stream.closed {
		t.Fatalf("expected provider stream torn down on abort")
	}
}

func TestInvokeStreaming_ContextCancellation(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	stream := &fakeStream{fragments: []string{"a", "b", "c"}}
	gw := New(quotaSvc, ledger, &fakeClient{stream: stream}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rs, err := gw.InvokeStreaming(ctx, chatRequest())
	if err != nil {
		t.Fatalf("invoke streaming: %v", err)
	}
	if _, errRecv := rs.Recv(); errRecv != nil {
		t.Fatalf("recv: %v", errRecv)
	}

	cancel()
	_, errRecv := rs.Recv()
	if KindOf(errRecv) != KindStreamAborted {
		t.Fatalf("expected stream_aborted, got %v", errRecv)
	}
	if len(quotaSvc.increments) != 0 {
		t.Fatalf("expected no increment after cancellation")
	}
}

func TestInvokeStreaming_MidStreamProviderError(t *testing.T) {
	quotaSvc := allowedQuota()
	ledger := &fakeLedger{}
	stream := &fakeStream{
		fragments: []string{"some "},
		recvErr:   errors.New("connection reset"),
	}
	gw := New(quotaSvc, ledger, &fakeClient{stream: stream}, nil)

	rs, err := gw.InvokeStreaming(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("invoke streaming: %v", err)
	}
	if _, errRecv := rs.Recv(); errRecv != nil {
		t.Fatalf("recv: %v", errRecv)
	}
	_, errRecv := rs.Recv()
	if KindOf(errRecv) != KindTransport {
		t.Fatalf("expected transport_error, got %v", errRecv)
	}
	if len(quotaSvc.increments) != 0 {
		t.Fatalf("expected no increment for partial, un-billed output")
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Status != models.UsageStatusError {
		t.Fatalf("expected error ledger entry, got %+v", ledger.entries)
	}
}
