package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/metrics"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

// defaultAdapterTimeout bounds adapter calls when the caller has no deadline.
const defaultAdapterTimeout = 10 * time.Second

// Result is the outcome of one fan-out cycle.
type Result struct {
	Reconciliation
	// Observations holds every normalized observation, rejected ones included,
	// ordered by observation time with the most recent last.
	Observations []sources.Observation
	// Failures maps source ids to their fetch or normalization error.
	Failures map[string]error
	// Pending counts adapters still running when the deadline passed.
	Pending int
}

// LateHandler receives the reconciliation of a cycle once adapters that
// missed the deadline have finished. The result includes the on-time
// observations.
type LateHandler func(pair token.Pair, res Result)

// Config configures an Aggregator.
type Config struct {
	// AdapterTimeout is the per-adapter deadline measured from the start of a
	// cycle. Zero derives it as twice the time left until the caller deadline,
	// which leaves room for late results.
	AdapterTimeout time.Duration
	Weights        Weights
}

// Aggregator fans out to applicable adapters concurrently and reconciles
// the observations that arrive before the caller's deadline. It is safe for
// concurrent use.
type Aggregator struct {
	adapters []sources.Adapter
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time

	lateMu sync.RWMutex
	late   LateHandler
}

// New creates an aggregator over the given adapters.
func New(adapters []sources.Adapter, cfg Config, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Aggregator{
		adapters: adapters,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetLateHandler installs the receiver for late reconciliations.
func (a *Aggregator) SetLateHandler(h LateHandler) {
	a.lateMu.Lock()
	defer a.lateMu.Unlock()
	a.late = h
}

// Adapters returns the configured adapters.
func (a *Aggregator) Adapters() []sources.Adapter {
	return a.adapters
}

// Applicable returns the adapters that can price the pair.
func (a *Aggregator) Applicable(pair token.Pair) []sources.Adapter {
	out := make([]sources.Adapter, 0, len(a.adapters))
	for _, ad := range a.adapters {
		if ad.Applicable(pair) {
			out = append(out, ad)
		}
	}
	return out
}

type outcome struct {
	source string
	obs    sources.Observation
	err    error
}

// Aggregate fetches the pair from every applicable adapter and reconciles
// the observations collected until all adapters answered or ctx is done.
// Adapter calls are not cancelled by ctx; stragglers finish under their own
// deadline and are handed to the late handler. Individual source failures
// never fail the call; ErrNoObservations is returned when nothing usable arrived.
func (a *Aggregator) Aggregate(ctx context.Context, pair token.Pair, policy Policy) (Result, error) {
	start := a.now()
	log := a.logger.With("cycle", uuid.NewString(), "pair", pair.Symbol())

	applicable := a.Applicable(pair)
	if len(applicable) == 0 {
		log.Warn("No applicable sources for pair")
		return Result{Failures: map[string]error{}}, fmt.Errorf("%w: %w", ErrNoObservations, ErrNoApplicableSources)
	}

	adapterCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.adapterTimeout(ctx, start))
	results := make(chan outcome, len(applicable))
	for _, ad := range applicable {
		go a.fetchOne(adapterCtx, ad, pair, results)
	}

	var (
		observations []sources.Observation
		failures     = make(map[string]error)
		received     int
	)

collect:
	for received < len(applicable) {
		select {
		case out := <-results:
			received++
			if out.err != nil {
				failures[out.source] = out.err
				continue
			}
			observations = append(observations, out.obs)
		case <-ctx.Done():
			break collect
		}
	}

	pending := len(applicable) - received
	if pending > 0 {
		log.Debug("Deadline reached with adapters pending", "pending", pending, "received", received)
		onTime := append([]sources.Observation(nil), observations...)
		go a.collectLate(log, pair, policy, onTime, pending, results, cancel)
	} else {
		cancel()
	}

	res, err := a.reconcile(log, pair, policy, observations, failures)
	res.Pending = pending
	metrics.RecordAggregation("reconcile", a.now().Sub(start))
	return res, err
}

func (a *Aggregator) reconcile(log *logging.Logger, pair token.Pair, policy Policy, observations []sources.Observation, failures map[string]error) (Result, error) {
	res := Result{Failures: failures}
	if len(observations) == 0 {
		log.Warn("No observations collected", "failures", len(failures))
		return res, ErrNoObservations
	}

	rec, err := Reconcile(pair, observations, policy, a.cfg.Weights, a.now())
	if err != nil {
		return res, err
	}
	for _, o := range rec.Rejected {
		metrics.RecordOutlierRejection(pair.Symbol())
		log.Debug("Rejecting outlier",
			"source", o.SourceID,
			"price", o.Price.String(),
			"median", rec.Median.String())
	}
	if rec.Fallback {
		log.Warn("No majority within tolerance, using unfiltered median",
			"observations", len(observations),
			"median", rec.Median.String())
	}

	sorted := append([]sources.Observation(nil), observations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})

	res.Reconciliation = rec
	res.Observations = sorted
	return res, nil
}

// collectLate waits for the remaining adapters, then reconciles on-time and
// late observations together and hands the result to the late handler.
func (a *Aggregator) collectLate(log *logging.Logger, pair token.Pair, policy Policy, observations []sources.Observation,
	pending int, results <-chan outcome, cancel context.CancelFunc) {
	defer cancel()

	failures := make(map[string]error)
	lateCount := 0
	for i := 0; i < pending; i++ {
		out := <-results
		if out.err != nil {
			failures[out.source] = out.err
			continue
		}
		metrics.RecordLateObservation(out.source)
		observations = append(observations, out.obs)
		lateCount++
	}

	a.lateMu.RLock()
	handler := a.late
	a.lateMu.RUnlock()
	if lateCount == 0 || handler == nil {
		return
	}

	res, err := a.reconcile(log, pair, policy, observations, failures)
	if err != nil {
		return
	}
	log.Debug("Late observations reconciled", "late", lateCount, "price", res.Estimate.Price.String())
	handler(pair, res)
}

// fetchOne fetches and normalizes one adapter's quote. Panics in adapters
// are contained and reported as transport failures.
func (a *Aggregator) fetchOne(ctx context.Context, ad sources.Adapter, pair token.Pair, results chan<- outcome) {
	start := a.now()
	out := outcome{source: ad.ID()}
	defer func() {
		if r := recover(); r != nil {
			out.err = sources.NewAdapterError(sources.KindTransport, ad.ID(), fmt.Errorf("adapter panic: %v", r))
		}
		latency := a.now().Sub(start)
		result := "ok"
		if out.err != nil {
			result = failureLabel(out.err)
			a.logger.Warn("Source failed",
				"source", ad.ID(),
				"pair", pair.Symbol(),
				"kind", result,
				"error", out.err)
		}
		metrics.RecordSourceFetch(ad.ID(), result, latency)
		results <- out
	}()

	raw, err := ad.Fetch(ctx, pair)
	if err != nil {
		out.err = sources.Classify(ad.ID(), err)
		return
	}
	if raw.Pair.Key() != pair.Key() {
		out.err = fmt.Errorf("%w: adapter answered for %s", sources.ErrMismatchedPair, raw.Pair)
		return
	}
	obs, err := sources.Normalize(raw, ad.ID())
	if err != nil {
		out.err = err
		return
	}
	obs.Class = ad.Class()
	obs.Latency = a.now().Sub(start)
	out.obs = obs
}

func (a *Aggregator) adapterTimeout(ctx context.Context, start time.Time) time.Duration {
	if a.cfg.AdapterTimeout > 0 {
		return a.cfg.AdapterTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := deadline.Sub(start); left > 0 {
			return 2 * left
		}
		return time.Millisecond
	}
	return defaultAdapterTimeout
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, sources.ErrMismatchedPair):
		return "mismatched_pair"
	case errors.Is(err, sources.ErrInvalidPrice):
		return "invalid_price"
	default:
		return sources.KindOf(err).String()
	}
}
