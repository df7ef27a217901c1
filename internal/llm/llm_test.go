package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aisha/backend/internal/budget"
	"github.com/aisha/backend/internal/circuitbreaker"
)

type stubProvider struct {
	lastReq  budget.Input
	proposal *Proposal
	err      error
	calls    int
}

func (s *stubProvider) Generate(ctx context.Context, req budget.Input) (*Proposal, error) {
	s.calls++
	s.lastReq = req
	return s.proposal, s.err
}

func newTestGenerator(p *stubProvider) *BudgetedGenerator {
	return NewBudgetedGenerator(
		p,
		budget.NewManager(budget.DefaultCaps(), nil),
		circuitbreaker.New(circuitbreaker.DefaultConfig("llm-test")),
		time.Second,
		nil,
	)
}

func TestGenerateReturnsProposal(t *testing.T) {
	p := &stubProvider{proposal: &Proposal{
		Action:     Action{ToolName: "create_task"},
		Confidence: 0.82,
		Reasoning:  "deal has stalled",
	}}
	g := newTestGenerator(p)

	got, err := g.Generate(context.Background(), budget.Input{
		SystemPrompt: "prompt",
		Messages:     []budget.Message{{Role: "user", Content: "review the Acme deal"}},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "create_task", got.Action.ToolName)
	assert.Equal(t, 1, p.calls)
}

func TestGenerateNilProposalIsNotAnError(t *testing.T) {
	p := &stubProvider{proposal: nil}
	g := newTestGenerator(p)

	got, err := g.Generate(context.Background(), budget.Input{SystemPrompt: "p"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGenerateTrimsOversizedPrompt(t *testing.T) {
	p := &stubProvider{proposal: &Proposal{Action: Action{ToolName: "create_note"}}}
	g := newTestGenerator(p)

	_, err := g.Generate(context.Background(), budget.Input{
		SystemPrompt: strings.Repeat("x", 40000),
		Messages:     []budget.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Less(t, len(p.lastReq.SystemPrompt), 40000, "provider sees the trimmed prompt")
}

func TestGeneratePropagatesProviderError(t *testing.T) {
	p := &stubProvider{err: errors.New("rate limited")}
	g := newTestGenerator(p)

	_, err := g.Generate(context.Background(), budget.Input{SystemPrompt: "p"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

func TestGenerateOpenBreakerMapsToUnavailable(t *testing.T) {
	p := &stubProvider{err: errors.New("boom")}
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "llm-test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	g := NewBudgetedGenerator(p, budget.NewManager(budget.DefaultCaps(), nil), breaker, time.Second, nil)

	_, err := g.Generate(context.Background(), budget.Input{SystemPrompt: "p"})
	require.Error(t, err)

	_, err = g.Generate(context.Background(), budget.Input{SystemPrompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 1, p.calls, "open breaker never reaches the provider")
}
