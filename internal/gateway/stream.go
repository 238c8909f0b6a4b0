package gateway

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/astralis-ai/astralis/internal/models"
	"github.com/astralis-ai/astralis/internal/pricing"
	"github.com/astralis-ai/astralis/internal/provider"
	"github.com/astralis-ai/astralis/internal/usage"
)

// ReplyStream pulls text fragments from an in-flight streamed invocation.
// Recv returns io.EOF after clean completion, at which point Final holds the
// fully accounted response. Close aborts the stream; aborted or failed
// streams are recorded in the ledger but never incremented against quota.
type ReplyStream struct {
	gw      *Gateway
	ctx     context.Context
	req     Request
	modelID string
	inner   ModelStream
	started time.Time

	content  strings.Builder
	final    *Response
	finished bool
}

// InvokeStreaming runs the same pre-flight as Invoke and opens a provider
// stream. Fragments are delivered through the returned ReplyStream.
func (g *Gateway) InvokeStreaming(ctx context.Context, req Request) (*ReplyStream, error) {
	started := g.nowFn()

	providerReq, preErr := g.preflight(ctx, req)
	if preErr != nil {
		g.recordFailure(ctx, req, providerReq.Model, started, preErr)
		return nil, preErr
	}

	inner, errOpen := g.client.OpenStream(ctx, providerReq)
	if errOpen != nil {
		classified := classifyProviderError(errOpen)
		g.recordFailure(ctx, req, providerReq.Model, started, classified)
		return nil, classified
	}

	return &ReplyStream{
		gw:      g,
		ctx:     ctx,
		req:     req,
		modelID: providerReq.Model,
		inner:   inner,
		started: started,
	}, nil
}

// Recv returns the next text fragment. On clean stream end it performs the
// terminal accounting (quota increment plus success ledger row) exactly
// once and returns io.EOF.
func (s *ReplyStream) Recv() (string, error) {
	if s.finished {
		if s.final != nil {
			return "", io.EOF
		}
		return "", &Error{Kind: KindStreamAborted, Message: "stream already closed"}
	}

	if errCtx := s.ctx.Err(); errCtx != nil {
		s.abort(errCtx)
		return "", &Error{Kind: KindStreamAborted, Message: "stream canceled", Err: errCtx}
	}

	fragment, errRecv := s.inner.Recv()
	if errRecv == nil {
		s.content.WriteString(fragment)
		return fragment, nil
	}
	if errRecv == io.EOF {
		s.finalize()
		return "", io.EOF
	}

	// Mid-stream provider failure: record partial metrics, never increment.
	classified := classifyProviderError(errRecv)
	s.recordPartial(classified.Error())
	s.finished = true
	_ = s.inner.Close()
	return "", classified
}

// Final returns the accounted response after Recv has returned io.EOF, nil
// otherwise.
func (s *ReplyStream) Final() *Response { return s.final }

// Close aborts an unfinished stream, tearing down the network read and
// recording the abort in the ledger. Closing a completed stream is a no-op.
func (s *ReplyStream) Close() error {
	if !s.finished {
		s.abort(nil)
	}
	return nil
}

// finalize settles a cleanly completed stream with the accumulated totals.
func (s *ReplyStream) finalize() {
	providerUsage := s.inner.Usage()
	if providerUsage.InputTokens == 0 {
		// Provider omitted usage; fall back to the pre-flight style
		// estimate so the epoch still advances.
		providerUsage.InputTokens = pricing.EstimateTokens(s.req.Prompt) + pricing.EstimateTokens(s.req.SystemPrompt)
	}
	if providerUsage.OutputTokens == 0 {
		providerUsage.OutputTokens = pricing.EstimateTokens(s.content.String())
	}

	s.final = s.gw.settle(s.ctx, s.req, s.modelID, s.started, s.content.String(), providerUsage)
	s.finished = true
	_ = s.inner.Close()
}

func (s *ReplyStream) abort(cause error) {
	message := "stream aborted by caller"
	if cause != nil {
		message = "stream aborted: " + cause.Error()
	}
	s.recordPartial(message)
	s.finished = true
	_ = s.inner.Close()
}

// recordPartial writes the error ledger row for an unfinished stream with
// whatever metrics are known. Partial, un-billed output is deliberately not
// incremented against quota.
func (s *ReplyStream) recordPartial(message string) {
	partialOut := pricing.EstimateTokens(s.content.String())
	s.gw.ledger.Record(s.ctx, usage.Entry{
		UserID:       s.req.UserID,
		RequestType:  s.req.RequestType,
		Provider:     provider.Name,
		Model:        s.modelID,
		RequestedAt:  s.started,
		TokensOutput: partialOut,
		TokensTotal:  partialOut,
		ResponseTime: s.gw.nowFn().Sub(s.started),
		Status:       models.UsageStatusError,
		ErrorMessage: message,
	})
}
