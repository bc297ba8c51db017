// Package learner implements the domain learner: Thompson sampling over
// whole Configuration values as bandit arms, with cold start via domain
// similarity, time-decayed outcome weighting, drift detection, and the
// rate-discipline helper callers must honor before requesting a
// configuration for a domain.
package learner

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
)

// ErrNoConfigurations is returned when cold start falls through to the
// global-default path and no configuration has ever been registered.
var ErrNoConfigurations = errors.New("learner: no configurations registered")

// Config tunes the learner's thresholds. Zero values fall back to the
// spec's defaults.
type Config struct {
	// ExplorationThreshold is the observation count below which an arm
	// receives the exploration bonus.
	ExplorationThreshold int
	// ExplorationBonus is added to a sampled value, not to the Beta
	// parameters, for under-observed arms.
	ExplorationBonus float64

	// HalfLifeDays controls outcome time-decay weighting (kept here for
	// callers that need it; ArmStats itself already applies the decay).
	HalfLifeDays int

	// ColdStartK bounds how many similar domains are consulted.
	ColdStartK int
	// ColdStartConfidenceThreshold is the minimum confidence a similar
	// domain's best configuration must carry before being adopted.
	ColdStartConfidenceThreshold float64

	// DriftWindow is N, the size of the "recent" outcome window.
	DriftWindow int
	// DriftHistoricalThreshold and DriftRecentThreshold are the rate
	// thresholds that together trigger a drift signal.
	DriftHistoricalThreshold float64
	DriftRecentThreshold     float64

	// DominanceMinSamples is the sample floor before a configuration can
	// take over best_config_id for a domain.
	DominanceMinSamples int

	// DefaultMinDelay is used when a domain record has no learned delay yet.
	DefaultMinDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.ExplorationThreshold <= 0 {
		c.ExplorationThreshold = 10
	}
	if c.ExplorationBonus == 0 {
		c.ExplorationBonus = 0.1
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = 30
	}
	if c.ColdStartK <= 0 {
		c.ColdStartK = 5
	}
	if c.ColdStartConfidenceThreshold == 0 {
		c.ColdStartConfidenceThreshold = 0.7
	}
	if c.DriftWindow <= 0 {
		c.DriftWindow = 10
	}
	if c.DriftHistoricalThreshold == 0 {
		c.DriftHistoricalThreshold = 0.8
	}
	if c.DriftRecentThreshold == 0 {
		c.DriftRecentThreshold = 0.3
	}
	if c.DominanceMinSamples <= 0 {
		c.DominanceMinSamples = 10
	}
	if c.DefaultMinDelay <= 0 {
		c.DefaultMinDelay = 2 * time.Second
	}
}

// Learner selects and updates configurations per domain.
type Learner struct {
	store  storage.Backend
	config Config
	rng    *rand.Rand
	now    func() time.Time
}

// New builds a Learner backed by store.
func New(store storage.Backend, cfg Config) *Learner {
	cfg.setDefaults()
	return &Learner{
		store:  store,
		config: cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// SelectConfiguration implements spec §4.6's selection algorithm: Thompson
// sampling over known arms, or cold start for an unseen domain.
func (l *Learner) SelectConfiguration(ctx context.Context, domain string) (*model.Configuration, error) {
	stats, err := l.store.ArmStats(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return l.coldStart(ctx, domain)
	}
	return l.sampleBestArm(ctx, stats)
}

func (l *Learner) sampleBestArm(ctx context.Context, stats map[string]storage.ArmStat) (*model.Configuration, error) {
	var bestID string
	var bestSample float64
	var bestLastSeen time.Time
	first := true

	for id, s := range stats {
		sample := sampleBeta(l.rng, s.Successes+1, s.Failures+1)
		if s.Successes+s.Failures < float64(l.config.ExplorationThreshold) {
			sample += l.config.ExplorationBonus
		}
		if first || sample > bestSample || (sample == bestSample && s.LastSeen.After(bestLastSeen)) {
			bestID, bestSample, bestLastSeen = id, sample, s.LastSeen
			first = false
		}
	}

	return l.store.GetConfiguration(ctx, bestID)
}

// coldStart implements spec §4.6's cold-start path: adopt a confidently
// similar domain's best configuration, or fall back to the global default.
func (l *Learner) coldStart(ctx context.Context, domain string) (*model.Configuration, error) {
	edges, err := l.store.SimilarDomains(ctx, domain, l.config.ColdStartK)
	if err != nil {
		return nil, err
	}

	for _, edge := range edges {
		other := edge.DomainB
		if other == domain {
			other = edge.DomainA
		}
		rec, err := l.store.GetDomain(ctx, other)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Confidence >= l.config.ColdStartConfidenceThreshold && rec.BestConfigID != "" {
			return l.store.GetConfiguration(ctx, rec.BestConfigID)
		}
	}

	return l.globalBestConfiguration(ctx)
}

func (l *Learner) globalBestConfiguration(ctx context.Context) (*model.Configuration, error) {
	configs, err := l.store.ListConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, ErrNoConfigurations
	}
	best := configs[0]
	for _, c := range configs[1:] {
		if c.SuccessRate() > best.SuccessRate() {
			best = c
		}
	}
	return best, nil
}

// RecordOutcome appends the outcome to the store and, if a configuration
// now dominates the domain's current best (higher posterior mean with at
// least DominanceMinSamples), promotes it.
func (l *Learner) RecordOutcome(ctx context.Context, o *model.Outcome) error {
	if err := l.store.RecordOutcome(ctx, o); err != nil {
		return err
	}
	return l.updateBestConfig(ctx, o.Domain)
}

func (l *Learner) updateBestConfig(ctx context.Context, domain string) error {
	stats, err := l.store.ArmStats(ctx, domain)
	if err != nil {
		return err
	}

	domRec, err := l.store.GetDomain(ctx, domain)
	if errors.Is(err, storage.ErrNotFound) {
		domRec = &model.DomainRecord{Domain: domain, FirstSeen: l.now()}
	} else if err != nil {
		return err
	}

	currentMean := -1.0
	if domRec.BestConfigID != "" {
		if s, ok := stats[domRec.BestConfigID]; ok {
			currentMean = posteriorMean(s)
		}
	}

	candidateID := ""
	candidateMean := currentMean
	for id, s := range stats {
		if s.Successes+s.Failures < float64(l.config.DominanceMinSamples) {
			continue
		}
		mean := posteriorMean(s)
		if mean > candidateMean {
			candidateID, candidateMean = id, mean
		}
	}

	switch {
	case candidateID != "":
		domRec.BestConfigID = candidateID
		domRec.Confidence = candidateMean
	case domRec.BestConfigID != "" && currentMean >= 0:
		domRec.Confidence = currentMean
	}

	domRec.LastUpdated = l.now()
	return l.store.PutDomain(ctx, domRec)
}

func posteriorMean(s storage.ArmStat) float64 {
	return (s.Successes + 1) / (s.Successes + s.Failures + 2)
}

// ShouldWait implements spec §4.6's rate discipline: callers must honor the
// returned duration before requesting a configuration for domain.
func (l *Learner) ShouldWait(ctx context.Context, domain string) (time.Duration, error) {
	domRec, err := l.store.GetDomain(ctx, domain)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	minDelay := time.Duration(domRec.MinDelayMs) * time.Millisecond
	if minDelay <= 0 {
		minDelay = l.config.DefaultMinDelay
	}

	var delayWait time.Duration
	last, err := l.store.RecentOutcomes(ctx, domain, 1)
	if err != nil {
		return 0, err
	}
	if len(last) == 1 {
		elapsed := l.now().Sub(last[0].TS)
		if elapsed < minDelay {
			delayWait = minDelay - elapsed
		}
	}

	var rateWait time.Duration
	if domRec.MaxPerMinute > 0 {
		recent, err := l.store.RecentOutcomes(ctx, domain, domRec.MaxPerMinute+1)
		if err != nil {
			return 0, err
		}
		rateWait = capWait(recent, domRec.MaxPerMinute, l.now())
	}

	if rateWait > delayWait {
		return rateWait, nil
	}
	return delayWait, nil
}

func capWait(recent []*model.Outcome, maxPerMinute int, now time.Time) time.Duration {
	window := time.Minute
	count := 0
	var oldestInWindow time.Time
	for _, o := range recent {
		if now.Sub(o.TS) >= window {
			continue
		}
		count++
		if oldestInWindow.IsZero() || o.TS.Before(oldestInWindow) {
			oldestInWindow = o.TS
		}
	}
	if count < maxPerMinute {
		return 0
	}
	return window - now.Sub(oldestInWindow)
}

// DriftSignal reports the result of a drift check for one domain.
type DriftSignal struct {
	Domain           string
	Drift            bool
	NewBlock         bool
	NewBlockServices []string
	RecentRate       float64
	HistoricalRate   float64
}

// DetectDrift implements spec §4.6's drift check: compares the success rate
// of the most recent N outcomes against the historical rate, and flags any
// block attribution in the recent window absent from history.
func (l *Learner) DetectDrift(ctx context.Context, domain string) (*DriftSignal, error) {
	outcomes, err := l.store.RecentOutcomes(ctx, domain, l.config.DriftWindow*5)
	if err != nil {
		return nil, err
	}
	sig := &DriftSignal{Domain: domain}
	if len(outcomes) < l.config.DriftWindow {
		return sig, nil
	}

	recent := outcomes[:l.config.DriftWindow]
	historical := outcomes[l.config.DriftWindow:]

	sig.RecentRate = successRate(recent)
	if len(historical) > 0 {
		sig.HistoricalRate = successRate(historical)
	} else {
		sig.HistoricalRate, err = l.store.HistoricalSuccessRate(ctx, domain, l.config.DriftWindow)
		if err != nil {
			return nil, err
		}
	}

	if sig.HistoricalRate >= l.config.DriftHistoricalThreshold && sig.RecentRate <= l.config.DriftRecentThreshold {
		sig.Drift = true
	}

	historicalBlocks := blockServiceSet(historical)
	for _, o := range recent {
		if o.BlockService != "" && !historicalBlocks[o.BlockService] {
			sig.NewBlock = true
			sig.NewBlockServices = append(sig.NewBlockServices, o.BlockService)
		}
	}

	return sig, nil
}

func successRate(outcomes []*model.Outcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	successes := 0
	for _, o := range outcomes {
		if o.Result == model.ResultOK {
			successes++
		}
	}
	return float64(successes) / float64(len(outcomes))
}

func blockServiceSet(outcomes []*model.Outcome) map[string]bool {
	set := make(map[string]bool)
	for _, o := range outcomes {
		if o.BlockService != "" {
			set[o.BlockService] = true
		}
	}
	return set
}
