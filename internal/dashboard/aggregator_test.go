package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/schedwatch/internal/models"
	"github.com/fentz26/schedwatch/internal/stream"
)

type fakeSource struct {
	dashboard  models.SchedulerDashboard
	stats      *models.SchedulerStatistics
	statsErr   error
	cluster    *models.ClusterStatus
	clusterErr error
	health     *models.HealthStatus
	healthErr  error

	mu       sync.Mutex
	gotRange models.StatsRange

	// When set, GetCluster closes clusterCalled and blocks on clusterGate.
	clusterCalled chan struct{}
	clusterGate   chan struct{}
}

func (f *fakeSource) GetDashboard(ctx context.Context) models.SchedulerDashboard {
	return f.dashboard
}

func (f *fakeSource) GetStatistics(ctx context.Context, r models.StatsRange) (*models.SchedulerStatistics, error) {
	f.mu.Lock()
	f.gotRange = r
	f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeSource) GetCluster(ctx context.Context) (*models.ClusterStatus, error) {
	if f.clusterGate != nil {
		close(f.clusterCalled)
		<-f.clusterGate
	}
	return f.cluster, f.clusterErr
}

func (f *fakeSource) GetHealth(ctx context.Context) (*models.HealthStatus, error) {
	return f.health, f.healthErr
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(src Source, opts ...Option) *Aggregator {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(src, opts...)
}

func ptr[T any](v T) *T { return &v }

func sampleDashboard() models.SchedulerDashboard {
	started := testNow.Add(-2 * time.Minute)
	return models.SchedulerDashboard{
		Overview: models.DashboardOverview{
			TotalTasks:      4,
			ActiveTasks:     3,
			PausedTasks:     1,
			TotalExecutions: 120,
			Executions7d:    20,
		},
		Leader: models.LeaderElectionStatus{
			CurrentLeader: "i1",
			ElectionTerm:  2,
			Instances: []models.InstanceStatus{
				{InstanceID: "i1", Status: models.InstanceLeader, IsHealthy: true, LoadFactor: 0.5},
				{InstanceID: "i2", Status: models.InstanceActive, IsHealthy: false, LoadFactor: 0.1},
			},
		},
		RecentExecutions: []models.TaskExecution{
			{ID: "e1", TaskName: "nightly", Status: models.ExecutionRunning, StartedAt: started, MaxRetries: 3},
			{ID: "e2", TaskName: "hourly", Status: models.ExecutionCompleted, StartedAt: started,
				CompletedAt: ptr(started.Add(time.Second)), DurationMs: ptr(int64(1000)), MaxRetries: 3},
		},
		UpcomingTasks: []models.ScheduledTask{
			{Name: "nightly", CronExpression: "0 2 * * *", Status: models.TaskStatusActive},
			{Name: "hourly", CronExpression: "0 * * * *", Status: models.TaskStatusPaused},
		},
		ActiveAlerts: []models.Alert{{ID: "a1", Severity: "warning"}},
	}
}

func TestGrowthRate(t *testing.T) {
	tests := []struct {
		growth, total int64
		want          float64
	}{
		{0, 0, 0},
		{20, 120, 20},
		{10, 10, 1000},
		{30, 10, 3000},
		{5, 6, 500},
	}
	for _, tt := range tests {
		got := GrowthRate(tt.growth, tt.total)
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("GrowthRate(%d, %d) is not finite: %v", tt.growth, tt.total, got)
		}
		if got != tt.want {
			t.Errorf("GrowthRate(%d, %d) = %v, want %v", tt.growth, tt.total, got, tt.want)
		}
	}
}

func TestPercentAndAverageGuardZero(t *testing.T) {
	if got := Percent(0, 0); got != 0 {
		t.Errorf("Percent(0, 0) = %v, want 0", got)
	}
	if got := Percent(1, 4); got != 25 {
		t.Errorf("Percent(1, 4) = %v, want 25", got)
	}
	if got := Average(0, 0); got != 0 {
		t.Errorf("Average(0, 0) = %v, want 0", got)
	}
	if got := Average(9, 3); got != 3 {
		t.Errorf("Average(9, 3) = %v, want 3", got)
	}
}

func TestRefreshMergesSections(t *testing.T) {
	src := &fakeSource{
		dashboard: sampleDashboard(),
		stats: &models.SchedulerStatistics{
			Totals: models.TaskStatistics{TotalExecutions: 50, SuccessfulExecutions: 45},
		},
		cluster: &models.ClusterStatus{ClusterID: "c1", Instances: []models.InstanceStatus{
			{InstanceID: "i1", IsHealthy: true, LoadFactor: 0.6},
			{InstanceID: "i2", IsHealthy: true, LoadFactor: 0.2},
			{InstanceID: "i3", IsHealthy: false, LoadFactor: 0.1},
			{InstanceID: "i4", IsHealthy: true, LoadFactor: 0.3},
		}},
		health: &models.HealthStatus{Status: "ok"},
	}
	a := newTestAggregator(src, WithRange(models.Range7d))

	v := a.Refresh(context.Background())
	if v.Degraded || len(v.Errors) != 0 {
		t.Fatalf("Did not expect degraded view: %v", v.Errors)
	}
	if a.Current() != v {
		t.Error("Expected Refresh to publish the new view")
	}
	if src.gotRange != models.Range7d || v.Statistics.Range != models.Range7d {
		t.Errorf("Expected 7d statistics, got %s / %s", src.gotRange, v.Statistics.Range)
	}
	if v.Health.Components == nil || v.Statistics.Tasks == nil {
		t.Error("Expected nil collections to be normalized")
	}
	if !v.RefreshedAt.Equal(testNow) {
		t.Errorf("Expected RefreshedAt %v, got %v", testNow, v.RefreshedAt)
	}

	d := v.Derived
	if d.ExecutionGrowthRate != 20 {
		t.Errorf("Expected growth rate 20, got %v", d.ExecutionGrowthRate)
	}
	if d.SuccessRate != 90 {
		t.Errorf("Expected success rate 90, got %v", d.SuccessRate)
	}
	if d.AvgExecutionsPerTask != 30 {
		t.Errorf("Expected 30 executions per task, got %v", d.AvgExecutionsPerTask)
	}
	if d.AvgDurationMs != 1000 {
		t.Errorf("Expected average duration 1000, got %v", d.AvgDurationMs)
	}
	if d.HealthyInstancePercent != 75 {
		t.Errorf("Expected 75%% healthy, got %v", d.HealthyInstancePercent)
	}
	if math.Abs(d.AvgLoadFactor-0.3) > 1e-9 {
		t.Errorf("Expected average load 0.3, got %v", d.AvgLoadFactor)
	}
	if d.StatusDistribution[models.ExecutionRunning] != 50 || d.StatusDistribution[models.ExecutionCompleted] != 50 {
		t.Errorf("Unexpected status distribution: %v", d.StatusDistribution)
	}
	if _, ok := d.StatusDistribution[models.ExecutionCancelled]; !ok {
		t.Error("Expected every status present in distribution")
	}
}

func TestRefreshPartialFailure(t *testing.T) {
	fallback := models.DefaultDashboard()
	fallback.Degraded = true
	fallback.DegradedReason = "server_error (503): maintenance"

	src := &fakeSource{
		dashboard:  fallback,
		statsErr:   errors.New("network_error: request failed"),
		cluster:    &models.ClusterStatus{ClusterID: "c1"},
		healthErr:  errors.New("server_error (500): boom"),
		clusterErr: nil,
	}
	a := newTestAggregator(src)

	v := a.Refresh(context.Background())
	if !v.Degraded {
		t.Fatal("Expected degraded view")
	}
	for _, section := range []string{SectionDashboard, SectionStatistics, SectionHealth} {
		if v.Errors[section] == "" {
			t.Errorf("Expected error recorded for %s", section)
		}
	}
	if _, ok := v.Errors[SectionCluster]; ok {
		t.Error("Did not expect cluster error")
	}
	if v.Cluster.ClusterID != "c1" || v.Cluster.Instances == nil {
		t.Errorf("Expected successful section kept and normalized, got %+v", v.Cluster)
	}
	if v.Statistics.Tasks == nil || v.Statistics.Totals != (models.TaskStatistics{}) {
		t.Errorf("Expected zeroed statistics, got %+v", v.Statistics)
	}
	if v.Health.Components == nil || v.Health.Status != "" {
		t.Errorf("Expected zeroed health, got %+v", v.Health)
	}
	if v.Derived.ExecutionGrowthRate != 0 || v.Derived.HealthyInstancePercent != 0 {
		t.Errorf("Expected zero derived figures, got %+v", v.Derived)
	}
}

func TestRefreshLogsSectionFailure(t *testing.T) {
	src := &fakeSource{
		dashboard: models.DefaultDashboard(),
		stats:     &models.SchedulerStatistics{},
		cluster:   &models.ClusterStatus{ClusterID: "c1"},
		healthErr: errors.New("server_error (500): boom"),
	}
	var buf bytes.Buffer
	a := newTestAggregator(src, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	a.Refresh(context.Background())
	if !strings.Contains(buf.String(), "health: server_error (500): boom") {
		t.Errorf("Expected failing section in degraded log, got %q", buf.String())
	}
}

func TestApplyExecutionUpdateMergesById(t *testing.T) {
	a := newTestAggregator(&fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}})
	before := a.Refresh(context.Background())

	if !a.ApplyExecutionUpdate(models.ExecutionUpdate{ExecutionID: "e1", Status: models.ExecutionCompleted}) {
		t.Fatal("Expected e1 to be found")
	}
	after := a.Current()

	e1 := after.Dashboard.RecentExecutions[0]
	if e1.Status != models.ExecutionCompleted {
		t.Errorf("Expected e1 completed, got %s", e1.Status)
	}
	if err := e1.Validate(); err != nil {
		t.Errorf("Expected patched execution to be valid: %v", err)
	}
	if *e1.DurationMs != (2 * time.Minute).Milliseconds() {
		t.Errorf("Expected duration derived from start, got %d", *e1.DurationMs)
	}
	if !e1.CompletedAt.Equal(testNow) {
		t.Errorf("Expected completed_at from clock, got %v", e1.CompletedAt)
	}

	e2Before, e2After := before.Dashboard.RecentExecutions[1], after.Dashboard.RecentExecutions[1]
	if e2After.Status != e2Before.Status || *e2After.DurationMs != *e2Before.DurationMs {
		t.Errorf("Expected e2 untouched, got %+v", e2After)
	}
	if before.Dashboard.RecentExecutions[0].Status != models.ExecutionRunning {
		t.Error("Expected the previous view not to be mutated")
	}
	if after.Derived.StatusDistribution[models.ExecutionCompleted] != 100 {
		t.Errorf("Expected derived figures recomputed, got %v", after.Derived.StatusDistribution)
	}

	if a.ApplyExecutionUpdate(models.ExecutionUpdate{ExecutionID: "missing", Status: models.ExecutionFailed}) {
		t.Error("Expected unknown execution to be ignored")
	}
}

func TestApplyExecutionUpdateKeepsInvariant(t *testing.T) {
	a := newTestAggregator(&fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}})
	a.Refresh(context.Background())

	// Retry moves a finished execution back to running
	a.ApplyExecutionUpdate(models.ExecutionUpdate{ExecutionID: "e2", Status: models.ExecutionRunning})
	e2 := a.Current().Dashboard.RecentExecutions[1]
	if e2.CompletedAt != nil || e2.DurationMs != nil {
		t.Errorf("Expected running execution without completion data, got %+v", e2)
	}

	done := testNow.Add(-time.Minute)
	a.ApplyExecutionUpdate(models.ExecutionUpdate{
		ExecutionID: "e2", Status: models.ExecutionFailed,
		CompletedAt: &done, DurationMs: ptr(int64(4200)), ErrorMessage: "exit 1",
	})
	e2 = a.Current().Dashboard.RecentExecutions[1]
	if err := e2.Validate(); err != nil {
		t.Errorf("Expected valid execution: %v", err)
	}
	if *e2.DurationMs != 4200 || !e2.CompletedAt.Equal(done) || e2.ErrorMessage != "exit 1" {
		t.Errorf("Expected pushed completion data, got %+v", e2)
	}
}

func TestApplyTaskStatusMovesCounters(t *testing.T) {
	a := newTestAggregator(&fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}})
	a.Refresh(context.Background())

	if !a.ApplyTaskStatus(models.TaskStatusChange{TaskName: "nightly", Status: models.TaskStatusPaused}) {
		t.Fatal("Expected nightly to be found")
	}
	v := a.Current()
	if v.Dashboard.UpcomingTasks[0].Status != models.TaskStatusPaused {
		t.Errorf("Expected nightly paused, got %s", v.Dashboard.UpcomingTasks[0].Status)
	}
	if v.Dashboard.Overview.ActiveTasks != 2 || v.Dashboard.Overview.PausedTasks != 2 {
		t.Errorf("Unexpected counters: %+v", v.Dashboard.Overview)
	}
	if a.ApplyTaskStatus(models.TaskStatusChange{TaskName: "ghost", Status: models.TaskStatusActive}) {
		t.Error("Expected unknown task to be ignored")
	}
}

func TestAddAlert(t *testing.T) {
	a := newTestAggregator(&fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}})
	a.Refresh(context.Background())

	a.AddAlert(models.Alert{ID: "a2", Severity: "critical"})
	alerts := a.Current().Dashboard.ActiveAlerts
	if len(alerts) != 2 || alerts[0].ID != "a2" {
		t.Fatalf("Expected new alert first, got %+v", alerts)
	}

	a.AddAlert(models.Alert{ID: "a1", Acknowledged: true})
	alerts = a.Current().Dashboard.ActiveAlerts
	if len(alerts) != 1 || alerts[0].ID != "a2" {
		t.Errorf("Expected acknowledged alert removed, got %+v", alerts)
	}
}

// fakeSubscriber mirrors stream.Manager's single-handler registry.
type fakeSubscriber struct {
	handlers map[stream.EventType]stream.Handler
}

func (f *fakeSubscriber) Subscribe(t stream.EventType, h stream.Handler) func() {
	if f.handlers == nil {
		f.handlers = map[stream.EventType]stream.Handler{}
	}
	f.handlers[t] = h
	return func() { delete(f.handlers, t) }
}

func (f *fakeSubscriber) deliver(t *testing.T, frame string) {
	t.Helper()
	msg, err := stream.ParseMessage([]byte(frame))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if h, ok := f.handlers[msg.Type]; ok {
		h(msg)
	}
}

func TestAttachAppliesPushEvents(t *testing.T) {
	a := newTestAggregator(&fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}})
	a.Refresh(context.Background())

	sub := &fakeSubscriber{}
	detach := a.Attach(sub)
	if len(sub.handlers) != len(stream.EventTypes) {
		t.Fatalf("Expected a handler per event type, got %d", len(sub.handlers))
	}

	sub.deliver(t, `{"type":"task_execution_update","payload":{"execution_id":"e1","status":"completed"}}`)
	sub.deliver(t, `{"type":"system_metrics_update","payload":{"cpu_usage_percent":42.5,"queue_depth":7}}`)

	leader, _ := json.Marshal(models.LeaderElectionStatus{CurrentLeader: "i2", ElectionTerm: 3,
		Instances: []models.InstanceStatus{{InstanceID: "i2", Status: models.InstanceLeader, IsHealthy: true}}})
	sub.deliver(t, `{"type":"leader_election_change","payload":`+string(leader)+`}`)

	v := a.Current()
	if v.Dashboard.RecentExecutions[0].Status != models.ExecutionCompleted {
		t.Errorf("Expected e1 completed, got %s", v.Dashboard.RecentExecutions[0].Status)
	}
	if v.Dashboard.RecentExecutions[1].ID != "e2" || v.Dashboard.RecentExecutions[1].Status != models.ExecutionCompleted {
		t.Errorf("Expected e2 untouched, got %+v", v.Dashboard.RecentExecutions[1])
	}
	if v.Dashboard.Metrics.CPUUsagePercent != 42.5 || v.Dashboard.Metrics.QueueDepth != 7 {
		t.Errorf("Unexpected metrics: %+v", v.Dashboard.Metrics)
	}
	if v.Dashboard.Leader.CurrentLeader != "i2" || v.Dashboard.Leader.ElectionTerm != 3 {
		t.Errorf("Unexpected leader: %+v", v.Dashboard.Leader)
	}

	detach()
	if len(sub.handlers) != 0 {
		t.Errorf("Expected detach to remove all handlers, got %d", len(sub.handlers))
	}
}

func TestPatchDuringRefreshSurvives(t *testing.T) {
	src := &fakeSource{dashboard: sampleDashboard(), stats: &models.SchedulerStatistics{},
		cluster: &models.ClusterStatus{}, health: &models.HealthStatus{}}
	a := newTestAggregator(src)
	a.Refresh(context.Background())

	src.clusterCalled = make(chan struct{})
	src.clusterGate = make(chan struct{})
	done := make(chan *View)
	go func() { done <- a.Refresh(context.Background()) }()

	<-src.clusterCalled
	if !a.ApplyExecutionUpdate(models.ExecutionUpdate{ExecutionID: "e1", Status: models.ExecutionFailed, DurationMs: ptr(int64(900))}) {
		t.Fatal("Expected e1 to be found in the current view")
	}
	a.AddAlert(models.Alert{ID: "a9", Severity: "critical"})
	close(src.clusterGate)

	var refreshed *View
	select {
	case refreshed = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh did not return")
	}

	e1 := refreshed.Dashboard.RecentExecutions[0]
	if e1.Status != models.ExecutionFailed || e1.DurationMs == nil || *e1.DurationMs != 900 {
		t.Errorf("Expected in-flight update to be re-applied, got %+v", e1)
	}
	if refreshed.Dashboard.ActiveAlerts[0].ID != "a9" {
		t.Errorf("Expected in-flight alert to be re-applied, got %+v", refreshed.Dashboard.ActiveAlerts)
	}
	if refreshed.Derived.StatusDistribution[models.ExecutionFailed] != 50 {
		t.Errorf("Expected derived metrics to include replayed patch, got %v", refreshed.Derived.StatusDistribution)
	}
	if a.Current() != refreshed {
		t.Error("Expected refreshed view to be current")
	}

	// Nothing is replayed once no refresh is in flight.
	src.clusterGate = nil
	v := a.Refresh(context.Background())
	if v.Dashboard.RecentExecutions[0].Status != models.ExecutionRunning {
		t.Errorf("Expected stale patches to be dropped, got %s", v.Dashboard.RecentExecutions[0].Status)
	}
}
