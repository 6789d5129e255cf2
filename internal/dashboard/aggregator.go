// Package dashboard composes control-plane calls into one view of the scheduler.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fentz26/schedwatch/internal/models"
)

// Section names used as keys in View.Errors.
const (
	SectionDashboard  = "dashboard"
	SectionStatistics = "statistics"
	SectionCluster    = "cluster"
	SectionHealth     = "health"
)

// Source is the subset of the control-plane client the aggregator reads from.
type Source interface {
	GetDashboard(ctx context.Context) models.SchedulerDashboard
	GetStatistics(ctx context.Context, r models.StatsRange) (*models.SchedulerStatistics, error)
	GetCluster(ctx context.Context) (*models.ClusterStatus, error)
	GetHealth(ctx context.Context) (*models.HealthStatus, error)
}

// View is the merged view-model handed to renderers. Every section is always
// present; a failed section holds its zero value and is listed in Errors.
type View struct {
	Dashboard   models.SchedulerDashboard  `json:"dashboard"`
	Statistics  models.SchedulerStatistics `json:"statistics"`
	Cluster     models.ClusterStatus       `json:"cluster"`
	Health      models.HealthStatus        `json:"health"`
	Derived     Derived                    `json:"derived"`
	Degraded    bool                       `json:"degraded"`
	Errors      map[string]string          `json:"errors"`
	RefreshedAt time.Time                  `json:"refreshed_at"`
}

// Derived holds figures computed from the fetched sections.
type Derived struct {
	ExecutionGrowthRate    float64                            `json:"execution_growth_rate"`
	SuccessRate            float64                            `json:"success_rate"`
	StatusDistribution     map[models.ExecutionStatus]float64 `json:"status_distribution"`
	AvgExecutionsPerTask   float64                            `json:"avg_executions_per_task"`
	AvgDurationMs          float64                            `json:"avg_duration_ms"`
	HealthyInstancePercent float64                            `json:"healthy_instance_percent"`
	AvgLoadFactor          float64                            `json:"avg_load_factor"`
}

// EmptyView returns a view with every section zeroed and every list empty.
func EmptyView() *View {
	v := &View{
		Dashboard:  models.DefaultDashboard(),
		Statistics: models.SchedulerStatistics{Tasks: []models.TaskStatistics{}},
		Cluster:    models.ClusterStatus{Instances: []models.InstanceStatus{}},
		Health:     models.HealthStatus{Components: map[string]string{}},
		Errors:     map[string]string{},
	}
	v.Derived = derive(v)
	return v
}

// Aggregator refreshes and patches the current View.
type Aggregator struct {
	source Source
	rng    models.StatsRange
	now    func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	current    *View
	refreshing int
	replay     []patchFunc
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRange sets the statistics window.
func WithRange(r models.StatsRange) Option {
	return func(a *Aggregator) {
		if r.Valid() {
			a.rng = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the aggregator logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New creates an aggregator reading from source.
func New(source Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:  source,
		rng:     models.Range24h,
		now:     time.Now,
		logger:  slog.Default(),
		current: EmptyView(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Current returns the latest view. The returned view must not be modified.
func (a *Aggregator) Current() *View {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Refresh fetches every section concurrently and replaces the current view.
// It never fails; sections that could not be fetched are zeroed. Push patches
// applied while the fetch is in flight are applied again to the new view.
func (a *Aggregator) Refresh(ctx context.Context) *View {
	a.mu.Lock()
	a.refreshing++
	a.mu.Unlock()

	v := EmptyView()
	var errMu sync.Mutex
	record := func(section string, err error) error {
		errMu.Lock()
		v.Errors[section] = err.Error()
		errMu.Unlock()
		return fmt.Errorf("%s: %w", section, err)
	}

	// Sections fail independently, so the group has no shared context.
	// Wait reports the first failure for logging.
	var g errgroup.Group
	g.Go(func() error {
		d := a.source.GetDashboard(ctx)
		d.Normalize()
		v.Dashboard = d
		if d.Degraded {
			return record(SectionDashboard, errors.New(d.DegradedReason))
		}
		return nil
	})
	g.Go(func() error {
		stats, err := a.source.GetStatistics(ctx, a.rng)
		if err != nil {
			return record(SectionStatistics, err)
		}
		if stats.Tasks == nil {
			stats.Tasks = []models.TaskStatistics{}
		}
		v.Statistics = *stats
		return nil
	})
	g.Go(func() error {
		cluster, err := a.source.GetCluster(ctx)
		if err != nil {
			return record(SectionCluster, err)
		}
		if cluster.Instances == nil {
			cluster.Instances = []models.InstanceStatus{}
		}
		v.Cluster = *cluster
		return nil
	})
	g.Go(func() error {
		health, err := a.source.GetHealth(ctx)
		if err != nil {
			return record(SectionHealth, err)
		}
		if health.Components == nil {
			health.Components = map[string]string{}
		}
		v.Health = *health
		return nil
	})
	firstErr := g.Wait()

	if v.Statistics.Range == "" {
		v.Statistics.Range = a.rng
	}
	v.Degraded = len(v.Errors) > 0
	v.RefreshedAt = a.now()

	if err := v.Dashboard.Leader.Validate(); err != nil {
		a.logger.Warn("leader election status violates invariant", "err", err)
	}
	if v.Degraded {
		a.logger.Warn("dashboard refresh degraded", "sections", len(v.Errors), "first_err", firstErr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fn := range a.replay {
		fn(v)
	}
	a.refreshing--
	if a.refreshing == 0 {
		a.replay = nil
	}
	v.Derived = derive(v)
	a.current = v
	return v
}

// derive computes every Derived field from v.
func derive(v *View) Derived {
	o := v.Dashboard.Overview
	d := Derived{
		ExecutionGrowthRate:  GrowthRate(o.Executions7d, o.TotalExecutions),
		AvgExecutionsPerTask: Average(float64(o.TotalExecutions), o.TotalTasks),
	}

	totals := v.Statistics.Totals
	d.SuccessRate = Percent(totals.SuccessfulExecutions, totals.TotalExecutions)

	recent := v.Dashboard.RecentExecutions
	counts := make(map[models.ExecutionStatus]int64, len(models.ExecutionStatuses))
	var durSum float64
	var durCount int64
	for _, e := range recent {
		counts[e.Status]++
		if e.DurationMs != nil {
			durSum += float64(*e.DurationMs)
			durCount++
		}
	}
	d.StatusDistribution = make(map[models.ExecutionStatus]float64, len(models.ExecutionStatuses))
	for _, s := range models.ExecutionStatuses {
		d.StatusDistribution[s] = Percent(counts[s], int64(len(recent)))
	}
	d.AvgDurationMs = Average(durSum, durCount)

	instances := v.Cluster.Instances
	if len(instances) == 0 {
		instances = v.Dashboard.Leader.Instances
	}
	var healthy int64
	var load float64
	for _, inst := range instances {
		if inst.IsHealthy {
			healthy++
		}
		load += inst.LoadFactor
	}
	d.HealthyInstancePercent = Percent(healthy, int64(len(instances)))
	d.AvgLoadFactor = Average(load, int64(len(instances)))
	return d
}

// cloneLocked returns a copy of the current view for patching.
// Slices are shared until the patch replaces them.
func (a *Aggregator) cloneLocked() *View {
	v := *a.current
	v.Errors = make(map[string]string, len(a.current.Errors))
	for k, e := range a.current.Errors {
		v.Errors[k] = e
	}
	return &v
}
