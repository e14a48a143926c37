package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/server/sources/sourcestest"
	"tc.com/price-estimator/pkg/token"
)

type panicAdapter struct{}

func (panicAdapter) ID() string                 { return "panicky" }
func (panicAdapter) Class() sources.Class       { return sources.ClassAggregator }
func (panicAdapter) Applicable(token.Pair) bool { return true }
func (panicAdapter) Fetch(context.Context, token.Pair) (sources.RawQuote, error) {
	panic("boom")
}

type wrongPairAdapter struct{}

func (wrongPairAdapter) ID() string                 { return "confused" }
func (wrongPairAdapter) Class() sources.Class       { return sources.ClassCEX }
func (wrongPairAdapter) Applicable(token.Pair) bool { return true }
func (wrongPairAdapter) Fetch(_ context.Context, pair token.Pair) (sources.RawQuote, error) {
	return sources.RawQuote{
		Pair:        pair.Inverse(),
		Kind:        sources.KindRate,
		Rate:        decimal.NewFromInt(1),
		RetrievedAt: time.Now(),
	}, nil
}

func newTestAggregator(adapters ...sources.Adapter) *Aggregator {
	return New(adapters, Config{}, logging.NewNoopLogger())
}

func TestAggregate_AllSourcesAgree(t *testing.T) {
	agg := newTestAggregator(
		sourcestest.New("cg", sources.ClassCEX, "3000"),
		sourcestest.New("llama", sources.ClassCEX, "3001"),
		sourcestest.New("zerox", sources.ClassAggregator, "3000.5"),
	)

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, res.Estimate.Status)
	assert.Equal(t, []string{"cg", "llama", "zerox"}, res.Estimate.ContributingSources)
	assert.Len(t, res.Observations, 3)
	assert.Empty(t, res.Failures)
	assert.Zero(t, res.Pending)

	for _, o := range res.Observations {
		assert.NotEmpty(t, o.Class)
	}
}

func TestAggregate_ObservationsOrderedByTime(t *testing.T) {
	agg := newTestAggregator(
		sourcestest.New("slow", sources.ClassCEX, "10").SetDelay(20*time.Millisecond),
		sourcestest.New("fast", sources.ClassCEX, "10"),
	)

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	require.NoError(t, err)
	require.Len(t, res.Observations, 2)
	assert.Equal(t, "fast", res.Observations[0].SourceID)
	assert.Equal(t, "slow", res.Observations[1].SourceID)
}

func TestAggregate_SourceFailureIsIsolated(t *testing.T) {
	failing := sourcestest.New("down", sources.ClassCEX, "1").
		SetError(sources.NewAdapterError(sources.KindRateLimited, "down", errors.New("429")))

	agg := newTestAggregator(
		failing,
		panicAdapter{},
		wrongPairAdapter{},
		sourcestest.New("up", sources.ClassCEX, "42"),
	)

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	require.NoError(t, err)

	assert.True(t, res.Estimate.Price.Equal(decimal.NewFromInt(42)))
	assert.Equal(t, StatusDegraded, res.Estimate.Status)
	require.Len(t, res.Failures, 3)
	assert.ErrorIs(t, res.Failures["down"], sources.ErrRateLimited)
	assert.ErrorIs(t, res.Failures["panicky"], sources.ErrTransport)
	assert.ErrorIs(t, res.Failures["confused"], sources.ErrMismatchedPair)
}

func TestAggregate_NoApplicableSources(t *testing.T) {
	other := token.NewPair(testQuote, testBase)
	agg := newTestAggregator(sourcestest.New("cg", sources.ClassCEX, "1").Only(other))

	_, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	assert.ErrorIs(t, err, ErrNoObservations)
	assert.ErrorIs(t, err, ErrNoApplicableSources)
}

func TestAggregate_AllSourcesFail(t *testing.T) {
	agg := newTestAggregator(
		sourcestest.New("a", sources.ClassCEX, "1").SetError(sources.Malformed("a", errors.New("bad json"))),
		sourcestest.New("b", sources.ClassCEX, "1").SetError(errors.New("connection reset")),
	)

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	assert.ErrorIs(t, err, ErrNoObservations)
	assert.ErrorIs(t, res.Failures["a"], sources.ErrMalformedResponse)
	assert.ErrorIs(t, res.Failures["b"], sources.ErrTransport)
}

func TestAggregate_InvalidPriceIsFailure(t *testing.T) {
	agg := newTestAggregator(
		sourcestest.New("zero", sources.ClassCEX, "0"),
		sourcestest.New("ok", sources.ClassCEX, "5"),
	)

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failures["zero"], sources.ErrInvalidPrice)
	assert.Equal(t, []string{"ok"}, res.Estimate.ContributingSources)
}

func TestAggregate_ReturnsAtDeadline(t *testing.T) {
	slow := sourcestest.New("slow", sources.ClassCEX, "100").SetDelay(300 * time.Millisecond)
	agg := newTestAggregator(
		slow,
		sourcestest.New("fast", sources.ClassCEX, "100"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := agg.Aggregate(ctx, testPair, defaultPolicy())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, []string{"fast"}, res.Estimate.ContributingSources)
}

func TestAggregate_LateObservationsReachHandler(t *testing.T) {
	agg := New([]sources.Adapter{
		sourcestest.New("slow", sources.ClassCEX, "100.2").SetDelay(80 * time.Millisecond),
		sourcestest.New("fast", sources.ClassCEX, "100"),
	}, Config{AdapterTimeout: time.Second}, logging.NewNoopLogger())

	late := make(chan Result, 1)
	agg.SetLateHandler(func(pair token.Pair, res Result) {
		assert.Equal(t, testPair.Key(), pair.Key())
		late <- res
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := agg.Aggregate(ctx, testPair, defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Estimate.Status)

	select {
	case lr := <-late:
		assert.Equal(t, []string{"fast", "slow"}, lr.Estimate.ContributingSources)
		assert.Equal(t, StatusFresh, lr.Estimate.Status)
		assert.Len(t, lr.Observations, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("late handler was not called")
	}
}

func TestAggregate_AdapterTimeoutBoundsStragglers(t *testing.T) {
	slow := sourcestest.New("slow", sources.ClassCEX, "1").SetDelay(time.Second)
	agg := New([]sources.Adapter{slow, sourcestest.New("fast", sources.ClassCEX, "1")},
		Config{AdapterTimeout: 30 * time.Millisecond}, logging.NewNoopLogger())

	res, err := agg.Aggregate(context.Background(), testPair, defaultPolicy())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Failures["slow"], sources.ErrTimeout)
}

func TestAggregate_Applicable(t *testing.T) {
	other := token.NewPair(testQuote, testBase)
	agg := newTestAggregator(
		sourcestest.New("a", sources.ClassCEX, "1"),
		sourcestest.New("b", sources.ClassCEX, "1").Only(other),
	)
	assert.Len(t, agg.Applicable(testPair), 1)
	assert.Len(t, agg.Applicable(other), 2)
	assert.Len(t, agg.Adapters(), 2)
}
