package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-board/internal/cache"
	"github.com/kjstillabower/city-weather-board/internal/client"
	"github.com/kjstillabower/city-weather-board/internal/models"
	"github.com/kjstillabower/city-weather-board/internal/observability"
)

var (
	ErrCityNotFound    = errors.New("city not found")
	ErrNoDataAvailable = errors.New("no weather data available")
)

const (
	// DefaultStalenessWindow is how long a full refresh stays fresh.
	DefaultStalenessWindow = 5 * time.Minute

	// DefaultFetchTimeout bounds detached provider work.
	DefaultFetchTimeout = time.Minute

	minSuggestRunes = 2
	maxSuggestions  = 5
)

// WeatherStore holds the latest record per configured city and decides when
// a full refresh is due. Writes are serialized; the last writer wins.
type WeatherStore struct {
	fetcher   client.WeatherFetcher
	cities    []models.City
	snapshots cache.Cache
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time
	searches  *requestCoalescer[models.WeatherRecord]

	fetchTimeout time.Duration

	writeMu     sync.Mutex // orders state changes and snapshot saves
	mu          sync.RWMutex
	records     []models.WeatherRecord
	refreshedAt time.Time

	inFlight atomic.Int32
}

// NewWeatherStore creates a store for cities. window <= 0 uses DefaultStalenessWindow.
// snapshots may be nil (in-memory only); logger may be nil.
func NewWeatherStore(fetcher client.WeatherFetcher, cities []models.City, snapshots cache.Cache, window time.Duration, logger *zap.Logger) *WeatherStore {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if snapshots == nil {
		snapshots = cache.NewInMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherStore{
		fetcher:   fetcher,
		cities:    append([]models.City(nil), cities...),
		snapshots: snapshots,
		window:    window,
		logger:    logger,
		now:       time.Now,
		searches:  newRequestCoalescer[models.WeatherRecord](0),

		fetchTimeout: DefaultFetchTimeout,
	}
}

// SetFetchTimeout bounds provider work started by RefreshAll and SearchCity,
// which is independent of the caller's context. d <= 0 restores the default.
func (s *WeatherStore) SetFetchTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultFetchTimeout
	}
	s.fetchTimeout = d
}

// detach keeps ctx values (correlation ID, logger) but not its cancellation.
func (s *WeatherStore) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
}

// RefreshAll fetches every city concurrently and replaces the board with the
// successful subset. Without force it is a no-op while the board is non-empty
// and younger than the staleness window. Returns ErrNoDataAvailable, leaving
// the board untouched, when every fetch fails.
//
// Fetches run on a context detached from ctx, bounded by the fetch timeout. If
// ctx ends first RefreshAll returns ctx.Err() and the refresh still commits.
func (s *WeatherStore) RefreshAll(ctx context.Context, force bool) error {
	s.begin()

	start := s.now()
	logger := observability.LoggerFromContext(ctx, s.logger)

	if !force && s.isFresh(start) {
		s.end()
		observability.RefreshesTotal.WithLabelValues("cache_hit").Inc()
		logger.Debug("board fresh, refresh skipped")
		return nil
	}

	done := make(chan error, 1)
	go func() {
		runCtx, cancel := s.detach(ctx)
		err := s.refresh(runCtx, logger, start, force)
		cancel()
		s.end() // before the send so Loading is false once RefreshAll returns
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Debug("caller left, refresh continues", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *WeatherStore) refresh(ctx context.Context, logger *zap.Logger, start time.Time, force bool) error {
	records, failures := s.fetchAll(ctx, logger)
	observability.RefreshDurationSeconds.Observe(time.Since(start).Seconds())

	if len(records) == 0 {
		observability.RefreshesTotal.WithLabelValues("failed").Inc()
		logger.Warn("refresh failed for every city", zap.Int("cities", len(s.cities)))
		if len(failures) == 0 {
			return ErrNoDataAvailable
		}
		return fmt.Errorf("%w: %w", ErrNoDataAvailable, errors.Join(failures...))
	}

	s.commit(ctx, logger, func() {
		s.records = records
		s.refreshedAt = start
	})

	outcome := "success"
	if len(failures) > 0 {
		outcome = "partial"
	}
	observability.RefreshesTotal.WithLabelValues(outcome).Inc()
	logger.Info("board refreshed",
		zap.Int("records", len(records)),
		zap.Int("failed", len(failures)),
		zap.Bool("forced", force),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// fetchAll returns successful records in city-list order and the per-city errors.
func (s *WeatherStore) fetchAll(ctx context.Context, logger *zap.Logger) ([]models.WeatherRecord, []error) {
	results := make([]models.WeatherRecord, len(s.cities))
	errs := make([]error, len(s.cities))

	var wg sync.WaitGroup
	for i, city := range s.cities {
		wg.Add(1)
		go func(i int, city models.City) {
			defer wg.Done()
			results[i], errs[i] = s.fetcher.Fetch(ctx, city)
		}(i, city)
	}
	wg.Wait()

	records := make([]models.WeatherRecord, 0, len(s.cities))
	var failures []error
	for i, city := range s.cities {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			observability.RecordCityFetchFailure(city.Name)
			logger.Warn("city fetch failed", zap.String("city", city.Name), zap.Error(errs[i]))
			continue
		}
		records = append(records, results[i])
	}
	return records, failures
}

// SearchCity fetches one configured city, matched by name or alias, and
// upserts its record. Unknown names return ErrCityNotFound without a network
// call. Fetch errors are returned as-is and leave the board untouched.
func (s *WeatherStore) SearchCity(ctx context.Context, name string) (models.WeatherRecord, error) {
	s.begin()
	defer s.end()

	logger := observability.LoggerFromContext(ctx, s.logger)

	city, ok := s.lookup(name)
	if !ok {
		observability.SearchesTotal.WithLabelValues("not_found").Inc()
		logger.Debug("search for unknown city", zap.String("query", name))
		return models.WeatherRecord{}, fmt.Errorf("%w: %q", ErrCityNotFound, strings.TrimSpace(name))
	}
	observability.RecordSearch(city.Name)

	// The shared fetch must not die with whichever caller started it.
	record, shared, err := s.searches.GetOrDo(ctx, strings.ToLower(city.Name), func() (models.WeatherRecord, error) {
		fetchCtx, cancel := s.detach(ctx)
		defer cancel()
		rec, err := s.fetcher.Fetch(fetchCtx, city)
		if err != nil {
			return models.WeatherRecord{}, err
		}
		s.commit(fetchCtx, logger, func() { s.upsertLocked(rec) })
		return rec, nil
	})
	if shared {
		observability.SearchesCoalescedTotal.Inc()
	}
	if err != nil {
		observability.SearchesTotal.WithLabelValues("error").Inc()
		logger.Warn("city search failed", zap.String("city", city.Name), zap.Error(err))
		return models.WeatherRecord{}, err
	}

	observability.SearchesTotal.WithLabelValues("success").Inc()
	logger.Debug("city searched", zap.String("city", city.Name), zap.Bool("coalesced", shared))
	return record, nil
}

// Restore loads the last saved snapshot, keeping only records for configured
// cities. A missing snapshot is not an error.
func (s *WeatherStore) Restore(ctx context.Context) error {
	snap, ok, err := s.snapshots.Load(ctx)
	if err != nil {
		observability.SnapshotBackendErrorsTotal.WithLabelValues("load").Inc()
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	records := make([]models.WeatherRecord, 0, len(snap.Records))
	for _, r := range snap.Records {
		if _, known := s.lookup(r.City); known {
			records = append(records, r)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	s.records = records
	s.refreshedAt = snap.RefreshedAt
	s.mu.Unlock()
	observability.StoreRecords.Set(float64(len(records)))

	s.logger.Info("board restored from snapshot",
		zap.Int("records", len(records)),
		zap.Time("refreshed_at", snap.RefreshedAt))
	return nil
}

// Loading reports whether any refresh or search is in flight.
func (s *WeatherStore) Loading() bool {
	return s.inFlight.Load() > 0
}

// Records returns a copy of the board in display order.
func (s *WeatherStore) Records() []models.WeatherRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WeatherRecord, len(s.records))
	copy(out, s.records)
	return out
}

// RefreshedAt returns the start time of the last successful full refresh.
func (s *WeatherStore) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Cities returns the configured city list.
func (s *WeatherStore) Cities() []models.City {
	return append([]models.City(nil), s.cities...)
}

// Suggest returns up to five configured city names whose name or alias
// contains query, in city-list order. Queries under two runes match nothing.
func (s *WeatherStore) Suggest(query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if utf8.RuneCountInString(q) < minSuggestRunes {
		return nil
	}

	var out []string
	for _, c := range s.cities {
		if !containsFold(c, q) {
			continue
		}
		out = append(out, c.Name)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func containsFold(c models.City, lowerQuery string) bool {
	if strings.Contains(strings.ToLower(c.Name), lowerQuery) {
		return true
	}
	for _, a := range c.Aliases {
		if strings.Contains(strings.ToLower(a), lowerQuery) {
			return true
		}
	}
	return false
}

func (s *WeatherStore) lookup(name string) (models.City, bool) {
	for _, c := range s.cities {
		if c.Matches(name) {
			return c, true
		}
	}
	return models.City{}, false
}

func (s *WeatherStore) isFresh(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records) > 0 && now.Sub(s.refreshedAt) < s.window
}

// commit applies a state change and writes the result through to the
// snapshot backend. Backend errors are logged and counted only.
func (s *WeatherStore) commit(ctx context.Context, logger *zap.Logger, apply func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	apply()
	snap := cache.Snapshot{
		Records:     append([]models.WeatherRecord(nil), s.records...),
		RefreshedAt: s.refreshedAt,
	}
	s.mu.Unlock()
	observability.StoreRecords.Set(float64(len(snap.Records)))

	if err := s.snapshots.Save(context.WithoutCancel(ctx), snap); err != nil {
		observability.SnapshotBackendErrorsTotal.WithLabelValues("save").Inc()
		logger.Warn("snapshot save failed", zap.Error(err))
	}
}

// upsertLocked replaces the record for rec.City or appends it. Caller holds s.mu.
func (s *WeatherStore) upsertLocked(rec models.WeatherRecord) {
	for i := range s.records {
		if strings.EqualFold(s.records[i].City, rec.City) {
			s.records[i] = rec
			return
		}
	}
	s.records = append(s.records, rec)
}

func (s *WeatherStore) begin() {
	s.inFlight.Add(1)
	observability.SetStoreLoading(true)
}

func (s *WeatherStore) end() {
	observability.SetStoreLoading(s.inFlight.Add(-1) > 0)
}
