package preagg

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/semlayer/semlayer/internal/build"
	"github.com/semlayer/semlayer/pkg/compile"
	"github.com/semlayer/semlayer/pkg/schema"
)

var freshnessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: build.ProjectName,
	Name:      "preagg_last_refresh_timestamp_seconds",
	Help:      "Unix time of the last successful refresh per pre-aggregation partition.",
}, []string{"cube", "preagg", "tenant"})

// DefaultMaxFailures withdraws a pre-aggregation as a rewrite target after
// this many consecutive refresh failures, unless the definition overrides it.
const DefaultMaxFailures = 3

// stalenessFactor: a partition refreshed longer than stalenessFactor times
// its interval ago is considered stale and not used for rewrites.
const stalenessFactor = 2

type partitionKey struct {
	cube     string
	name     string
	tenantID string
}

type partitionState struct {
	lastRefreshedAt     time.Time
	consecutiveFailures int
}

// Store tracks per-tenant freshness of every maintained pre-aggregation and
// answers the compiler's rewrite lookups. Safe for concurrent use; the
// scheduler writes, request-path compiles read.
type Store struct {
	registry *schema.Registry

	mu         sync.RWMutex
	partitions map[partitionKey]*partitionState
}

var _ compile.PreAggMatcher = (*Store)(nil)

func NewStore(registry *schema.Registry) *Store {
	return &Store{
		registry:   registry,
		partitions: map[partitionKey]*partitionState{},
	}
}

// RecordSuccess marks a partition fresh and resets its failure streak.
func (s *Store) RecordSuccess(cube, name, tenantID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{cube: cube, name: name, tenantID: tenantID}
	s.partitions[key] = &partitionState{lastRefreshedAt: at}
	freshnessGauge.WithLabelValues(cube, name, tenantID).Set(float64(at.Unix()))
}

// RecordFailure increments the partition's consecutive failure count. The
// previous summary data stays usable until the failure threshold is hit.
func (s *Store) RecordFailure(cube, name, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{cube: cube, name: name, tenantID: tenantID}
	st, ok := s.partitions[key]
	if !ok {
		st = &partitionState{}
		s.partitions[key] = st
	}
	st.consecutiveFailures++
}

// LastRefreshed returns when the partition was last successfully refreshed.
func (s *Store) LastRefreshed(cube, name, tenantID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.partitions[partitionKey{cube: cube, name: name, tenantID: tenantID}]
	if !ok || st.lastRefreshedAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastRefreshedAt, true
}

// usable reports whether a partition may serve rewrites right now.
func (s *Store) usable(cube string, p schema.PreAggregation, tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.partitions[partitionKey{cube: cube, name: p.Name, tenantID: tenantID}]
	if !ok || st.lastRefreshedAt.IsZero() {
		return false
	}

	maxFailures := p.MaxFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if st.consecutiveFailures >= maxFailures {
		return false
	}

	return time.Since(st.lastRefreshedAt) <= stalenessFactor*p.RefreshEvery
}

// Match implements compile.PreAggMatcher: it reports whether a maintained,
// fresh pre-aggregation fully covers the requested measures, dimensions and
// granularity for the tenant.
func (s *Store) Match(tenantID, cube string, measures, dimensions []string, timeDimension, granularity string) (*compile.PreAggTarget, bool) {
	def, err := s.registry.GetCube(cube)
	if err != nil {
		return nil, false
	}

	for _, p := range def.PreAggregations {
		if !s.usable(cube, p, tenantID) {
			continue
		}
		if timeDimension != "" && (timeDimension != p.TimeDimension || granularity != p.Granularity) {
			continue
		}
		if !subset(measures, p.Measures) || !subset(dimensions, p.Dimensions) {
			continue
		}

		target := &compile.PreAggTarget{
			Table:            SummaryTableName(cube, p),
			TenantColumn:     TenantColumn,
			BucketColumn:     BucketColumn,
			MeasureColumns:   map[string]string{},
			MeasureAggs:      map[string]string{},
			DimensionColumns: map[string]string{},
		}

		ok := true
		for _, m := range measures {
			mm, found := def.Measure(m)
			if !found {
				ok = false
				break
			}
			reagg, materializable := reaggregation(mm.Agg)
			if !materializable {
				ok = false
				break
			}
			target.MeasureColumns[m] = SummaryColumn(m)
			target.MeasureAggs[m] = reagg
		}
		if !ok {
			continue
		}
		for _, d := range dimensions {
			target.DimensionColumns[d] = SummaryColumn(d)
		}
		return target, true
	}

	return nil, false
}

func subset(needles, haystack []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
