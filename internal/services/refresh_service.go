package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/kfold-ensemble-go/internal/cache"
	"github.com/irfndi/kfold-ensemble-go/internal/database"
	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/irfndi/kfold-ensemble-go/internal/telemetry"
	"github.com/irfndi/kfold-ensemble-go/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRefreshInProgress is returned when a refresh is requested while one is running.
var ErrRefreshInProgress = errors.New("refresh already in progress")

// RefreshConfig holds the validation and selection parameters of a refresh.
type RefreshConfig struct {
	FoldCount    int
	Policy       ExclusionPolicy
	PurgePeriods int
	Selection    SelectionConfig
	// Breaker guards refreshes against a failing store.
	Breaker CircuitBreakerConfig
}

// KindSummary describes the combined scores of one model kind in a refresh.
type KindSummary struct {
	Kind       models.ModelKind `json:"kind"`
	Combined   int              `json:"combined"`
	Failed     int              `json:"failed"`
	Degenerate int              `json:"degenerate"`
	MeanScore  float64          `json:"mean_score"`
	StdDev     float64          `json:"std_dev"`
}

// RefreshResult is the outcome of one refresh run.
type RefreshResult struct {
	RunID           uuid.UUID               `json:"run_id"`
	Period          time.Time               `json:"period"`
	Assignment      *models.FoldAssignment  `json:"assignment"`
	Shifts          []FoldShift             `json:"shifts"`
	Plan            []models.TrainingSplit  `json:"plan"`
	Summaries       []KindSummary           `json:"summaries"`
	Failures        []GroupFailure          `json:"failures"`
	Recommendations []models.Recommendation `json:"recommendations"`
	Duration        time.Duration           `json:"duration"`
}

// RefreshService recomputes fold assignments from stored period-end dates, snapshots them
// per run, combines member scores under the exclusion policy and screens recommendations.
type RefreshService struct {
	periods  PeriodStore
	folds    FoldSnapshotStore
	scores   ScoreStore
	runs     RunStore
	cache    cache.FoldCache
	assigner *FoldAssigner
	scorer   *EnsembleScorer
	selector *Selector
	purge    int
	breaker  *CircuitBreaker
	logger   logging.Logger
	tracer   trace.Tracer

	running  sync.Mutex
	newRunID func() uuid.UUID
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefreshService wires the stores and validates cfg.
func NewRefreshService(
	cfg RefreshConfig,
	periods PeriodStore,
	folds FoldSnapshotStore,
	scores ScoreStore,
	runs RunStore,
	foldCache cache.FoldCache,
	logger logging.Logger,
) (*RefreshService, error) {
	assigner, err := NewFoldAssigner(cfg.FoldCount)
	if err != nil {
		return nil, err
	}
	scorer, err := NewEnsembleScorer(cfg.Policy, cfg.FoldCount)
	if err != nil {
		return nil, err
	}
	selector, err := NewSelector(cfg.Selection)
	if err != nil {
		return nil, err
	}
	if cfg.PurgePeriods < 0 {
		return nil, fmt.Errorf("purge periods must not be negative, got %d", cfg.PurgePeriods)
	}
	if foldCache == nil {
		foldCache = cache.NewInMemoryFoldCache(0)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isStoreFailure
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshService{
		periods:  periods,
		folds:    folds,
		scores:   scores,
		runs:     runs,
		cache:    foldCache,
		assigner: assigner,
		scorer:   scorer,
		selector: selector,
		purge:    cfg.PurgePeriods,
		breaker:  NewCircuitBreaker("refresh_store", breakerCfg, nil),
		logger:   logger,
		tracer:   telemetry.Tracer("refresh_service"),
		newRunID: uuid.New,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Assigner returns the fold assigner used by the service.
func (s *RefreshService) Assigner() *FoldAssigner {
	return s.assigner
}

// Scorer returns the ensemble scorer used by the service.
func (s *RefreshService) Scorer() *EnsembleScorer {
	return s.scorer
}

// CurrentAssignment returns the fold assignment of the stored period-end dates,
// served from the cache when the date set is unchanged. While the date store is
// unreachable the most recently cached assignment is served instead.
func (s *RefreshService) CurrentAssignment(ctx context.Context) (*models.FoldAssignment, error) {
	ctx, span := s.tracer.Start(ctx, "current_assignment")
	defer span.End()

	dates, err := s.periods.DistinctPeriodEndDates(ctx)
	if err != nil {
		if cached, ok := s.cache.Latest(ctx); ok {
			span.SetAttributes(attribute.Bool("cache.stale", true))
			s.logger.WithComponent("refresh_service").Warn("Date store unavailable, serving last cached fold assignment",
				"fingerprint", cached.Fingerprint, "error", err)
			return cached, nil
		}
		return nil, s.fail(span, fmt.Errorf("failed to load period-end dates: %w", err))
	}
	distinct := DistinctPeriodEnds(dates)
	if len(distinct) == 0 {
		return nil, s.fail(span, ErrEmptyDateSet)
	}

	fingerprint := Fingerprint(distinct, s.assigner.FoldCount())
	if cached, ok := s.cache.Get(ctx, fingerprint); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	assignment, err := s.assigner.Assign(distinct)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if err := s.cache.Set(ctx, assignment); err != nil {
		s.logger.WithComponent("refresh_service").Warn("Failed to cache fold assignment", "error", err)
	}
	return assignment, nil
}

// Snapshot returns the fold assignment persisted by a past refresh run.
func (s *RefreshService) Snapshot(ctx context.Context, runID uuid.UUID) (*models.FoldSnapshot, error) {
	return s.folds.LoadSnapshot(ctx, runID)
}

// Plan builds the leave-one-fold-out training plan of the current assignment.
// A negative purge uses the configured value.
func (s *RefreshService) Plan(ctx context.Context, purge int) ([]models.TrainingSplit, error) {
	if purge < 0 {
		purge = s.purge
	}
	assignment, err := s.CurrentAssignment(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTrainingPlan(assignment, s.scorer.Policy(), purge)
}

// EnsembleScores returns the latest stored combined scores of kind at period.
func (s *RefreshService) EnsembleScores(ctx context.Context, period time.Time, kind models.ModelKind) ([]models.EnsembleScore, error) {
	return s.scores.EnsembleScores(ctx, period, kind)
}

// Recommendations returns the recommendations produced by runID.
func (s *RefreshService) Recommendations(ctx context.Context, runID uuid.UUID) ([]models.Recommendation, error) {
	return s.scores.Recommendations(ctx, runID)
}

// IngestMemberScores validates and upserts member model outputs.
func (s *RefreshService) IngestMemberScores(ctx context.Context, scores []models.MemberScore) (int64, error) {
	if len(scores) == 0 {
		return 0, utils.NewFieldError("scores", "no member scores to ingest")
	}
	foldCount := s.assigner.FoldCount()
	for i, m := range scores {
		switch {
		case m.CompanyID == "":
			return 0, utils.NewFieldError("company_id", "missing for member score %d", i)
		case m.PeriodEndDate.IsZero():
			return 0, utils.NewFieldError("period_end_date", "missing for member score %d", i)
		case !m.HeldOut.Valid(foldCount):
			return 0, utils.NewFieldError("held_out", "fold %d of member score %d is outside the %d-fold scheme",
				int(m.HeldOut), i, foldCount)
		case !isFinite(m.Score):
			return 0, utils.NewFieldError("score", "non-finite score for member score %d", i)
		}
		if _, err := models.ParseModelKind(string(m.Kind)); err != nil {
			return 0, utils.NewFieldError("kind", "%v", err)
		}
	}

	n, err := s.scores.SaveMemberScores(ctx, scores)
	if err != nil {
		return 0, err
	}
	s.logger.LogBusinessEvent("member_scores_ingested", map[string]interface{}{
		"received": len(scores),
		"stored":   n,
	})
	return n, nil
}

// IngestSnapshots validates and upserts financial snapshots. New period-end dates change
// the date-set fingerprint, so the next assignment is recomputed rather than served from cache.
func (s *RefreshService) IngestSnapshots(ctx context.Context, snapshots []models.FinancialSnapshot) (int64, error) {
	if len(snapshots) == 0 {
		return 0, utils.NewFieldError("snapshots", "no financial snapshots to ingest")
	}
	for i, snap := range snapshots {
		switch {
		case snap.CompanyID == "":
			return 0, utils.NewFieldError("company_id", "missing for snapshot %d", i)
		case snap.PeriodEndDate.IsZero():
			return 0, utils.NewFieldError("period_end_date", "missing for snapshot %d", i)
		case snap.MarketCap.IsNegative():
			return 0, utils.NewFieldError("market_cap", "negative market cap for %s", snap.CompanyID)
		}
	}

	n, err := s.periods.SaveSnapshots(ctx, snapshots)
	if err != nil {
		return 0, err
	}
	s.logger.LogBusinessEvent("financial_snapshots_ingested", map[string]interface{}{
		"received": len(snapshots),
		"stored":   n,
	})
	return n, nil
}

// Refresh runs the full pipeline once through the store circuit breaker. Concurrent calls
// fail with ErrRefreshInProgress and calls while the breaker is open fail with ErrCircuitOpen.
func (s *RefreshService) Refresh(ctx context.Context) (*RefreshResult, error) {
	var result *RefreshResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.refresh(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RefreshService) refresh(ctx context.Context) (*RefreshResult, error) {
	if !s.running.TryLock() {
		return nil, ErrRefreshInProgress
	}
	defer s.running.Unlock()

	start := s.now()
	runID := s.newRunID()
	log := s.logger.WithRunID(runID.String())

	ctx, span := s.tracer.Start(ctx, "refresh", trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	dates, err := s.periods.DistinctPeriodEndDates(ctx)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to load period-end dates: %w", err))
	}
	assignment, err := s.assigner.Assign(dates)
	if err != nil {
		return nil, s.fail(span, err)
	}

	var previous *models.FoldAssignment
	prevSnap, err := s.folds.LatestSnapshot(ctx)
	switch {
	case err == nil:
		previous = &prevSnap.Assignment
	case errors.Is(err, database.ErrNotFound):
	default:
		return nil, s.fail(span, fmt.Errorf("failed to load previous fold snapshot: %w", err))
	}

	plan, err := BuildTrainingPlan(assignment, s.scorer.Policy(), s.purge)
	if err != nil {
		return nil, s.fail(span, err)
	}

	result := &RefreshResult{
		RunID:      runID,
		Period:     assignment.Dates[0].Date,
		Assignment: assignment,
		Shifts:     CompareAssignments(previous, assignment),
		Plan:       plan,
		Failures:   []GroupFailure{},
	}

	var allScores []models.EnsembleScore
	combined := make(map[models.ModelKind][]models.EnsembleScore, len(models.ModelKinds))
	for _, kind := range models.ModelKinds {
		members, err := s.scores.MemberScores(ctx, result.Period, kind)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("failed to load %s member scores: %w", kind, err))
		}
		batch := s.scorer.CombineAll(members)
		combined[kind] = batch.Scores
		allScores = append(allScores, batch.Scores...)
		result.Failures = append(result.Failures, batch.Failures...)
		result.Summaries = append(result.Summaries, summarize(kind, batch))
	}

	snaps, err := s.periods.SnapshotsForPeriod(ctx, result.Period)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to load financial snapshots: %w", err))
	}
	byCompany := make(map[string]models.FinancialSnapshot, len(snaps))
	for _, snap := range snaps {
		byCompany[snap.CompanyID] = snap
	}

	result.Recommendations = s.selector.Select(runID,
		combined[models.ModelKindInvestmentGrade], combined[models.ModelKindUnderperform], byCompany)

	snapshot := &models.FoldSnapshot{RunID: runID, Assignment: *assignment, CreatedAt: s.now().UTC()}
	if err := s.runs.SaveRun(ctx, snapshot, allScores, result.Recommendations); err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to save run %s: %w", runID, err))
	}
	if err := s.cache.Set(ctx, assignment); err != nil {
		log.Warn("Failed to cache fold assignment", "error", err)
	}

	result.Duration = s.now().Sub(start)
	span.SetAttributes(
		attribute.Int("folds.dates", len(assignment.Dates)),
		attribute.Int("folds.shifted", len(result.Shifts)),
		attribute.Int("ensemble.failures", len(result.Failures)),
		attribute.Int("recommendations", len(result.Recommendations)),
	)
	s.logger.LogBusinessEvent("refresh_completed", map[string]interface{}{
		"run_id":          runID.String(),
		"period":          result.Period.Format(models.PeriodDateLayout),
		"dates":           len(assignment.Dates),
		"shifted":         len(result.Shifts),
		"failures":        len(result.Failures),
		"recommendations": len(result.Recommendations),
		"duration_ms":     result.Duration.Milliseconds(),
	})
	return result, nil
}

// Start runs Refresh every interval until Stop is called.
func (s *RefreshService) Start(interval time.Duration, runNow bool) {
	log := s.logger.WithComponent("refresh_service")
	log.Info("Starting refresh scheduler", "interval", interval.String(), "run_on_start", runNow)

	run := func() {
		_, err := s.Refresh(s.ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrCircuitOpen):
			log.Warn("Scheduled refresh skipped, store circuit open")
		default:
			log.Error("Scheduled refresh failed", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if runNow {
			run()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// Stop cancels the scheduler and waits for an in-flight refresh to return.
func (s *RefreshService) Stop() {
	s.logger.WithComponent("refresh_service").Info("Stopping refresh scheduler")
	s.cancel()
	s.wg.Wait()
}

// BreakerState reports whether refreshes are currently being rejected.
func (s *RefreshService) BreakerState() CircuitBreakerState {
	return s.breaker.State()
}

// CacheStats returns the fold cache counters.
func (s *RefreshService) CacheStats() cache.FoldCacheStats {
	return s.cache.Stats()
}

// isStoreFailure counts errors that point at an unhealthy store.
func isStoreFailure(err error) bool {
	return !errors.Is(err, ErrEmptyDateSet) &&
		!errors.Is(err, ErrRefreshInProgress) &&
		!errors.Is(err, context.Canceled)
}

func (s *RefreshService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func summarize(kind models.ModelKind, batch EnsembleBatch) KindSummary {
	values := make([]float64, len(batch.Scores))
	for i, sc := range batch.Scores {
		values[i] = sc.Score
	}
	summary := KindSummary{
		Kind:      kind,
		Combined:  len(batch.Scores),
		Failed:    len(batch.Failures),
		MeanScore: calculateMeanFloat64(values),
		StdDev:    calculateStdDev(values),
	}
	for _, f := range batch.Failures {
		if f.Degenerate {
			summary.Degenerate++
		}
	}
	return summary
}
