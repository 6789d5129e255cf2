package dashboard

import (
	"github.com/fentz26/schedwatch/internal/models"
	"github.com/fentz26/schedwatch/internal/stream"
)

// patchFunc mutates a private copy of a view and reports whether it changed.
type patchFunc func(v *View) bool

// patch applies fn copy-on-write to the current view. While a refresh is in
// flight fn is also kept so the refreshed view can be patched again.
func (a *Aggregator) patch(fn patchFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshing > 0 {
		a.replay = append(a.replay, fn)
	}
	v := a.cloneLocked()
	if !fn(v) {
		return false
	}
	v.Derived = derive(v)
	a.current = v
	return true
}

// ApplyExecutionUpdate patches the execution with the update's id and leaves
// every other entry untouched. It reports whether a matching entry was found.
//
// A terminal status gets completed_at and duration_ms, taken from the update
// or derived from the clock; a non-terminal status drops both.
func (a *Aggregator) ApplyExecutionUpdate(u models.ExecutionUpdate) bool {
	return a.patch(func(v *View) bool {
		idx := -1
		for i, e := range v.Dashboard.RecentExecutions {
			if e.ID == u.ExecutionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}

		execs := make([]models.TaskExecution, len(v.Dashboard.RecentExecutions))
		copy(execs, v.Dashboard.RecentExecutions)

		e := execs[idx]
		e.Status = u.Status
		if u.ErrorMessage != "" {
			e.ErrorMessage = u.ErrorMessage
		}
		if u.Status.Terminal() {
			completed := a.now()
			if u.CompletedAt != nil {
				completed = *u.CompletedAt
			} else if e.CompletedAt != nil {
				completed = *e.CompletedAt
			}
			var duration int64
			switch {
			case u.DurationMs != nil:
				duration = *u.DurationMs
			case !e.StartedAt.IsZero() && completed.After(e.StartedAt):
				duration = completed.Sub(e.StartedAt).Milliseconds()
			}
			e.CompletedAt = &completed
			e.DurationMs = &duration
		} else {
			e.CompletedAt = nil
			e.DurationMs = nil
		}
		execs[idx] = e
		v.Dashboard.RecentExecutions = execs
		return true
	})
}

// ApplyTaskStatus updates a task's status among the upcoming tasks and moves
// it between the overview's active, paused and disabled counters.
func (a *Aggregator) ApplyTaskStatus(c models.TaskStatusChange) bool {
	return a.patch(func(v *View) bool {
		idx := -1
		for i, t := range v.Dashboard.UpcomingTasks {
			if t.Name == c.TaskName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		old := v.Dashboard.UpcomingTasks[idx].Status
		if old == c.Status {
			return true
		}

		tasks := make([]models.ScheduledTask, len(v.Dashboard.UpcomingTasks))
		copy(tasks, v.Dashboard.UpcomingTasks)
		tasks[idx].Status = c.Status
		adjustTaskCounter(&v.Dashboard.Overview, old, -1)
		adjustTaskCounter(&v.Dashboard.Overview, c.Status, 1)
		v.Dashboard.UpcomingTasks = tasks
		return true
	})
}

func adjustTaskCounter(o *models.DashboardOverview, s models.TaskStatus, delta int64) {
	var counter *int64
	switch s {
	case models.TaskStatusActive:
		counter = &o.ActiveTasks
	case models.TaskStatusPaused:
		counter = &o.PausedTasks
	case models.TaskStatusDisabled:
		counter = &o.DisabledTasks
	default:
		return
	}
	*counter += delta
	if *counter < 0 {
		*counter = 0
	}
}

// ApplyLeaderChange replaces the leader election section.
func (a *Aggregator) ApplyLeaderChange(l models.LeaderElectionStatus) {
	if err := l.Validate(); err != nil {
		a.logger.Warn("leader election status violates invariant", "err", err)
	}
	if l.Instances == nil {
		l.Instances = []models.InstanceStatus{}
	}
	a.patch(func(v *View) bool {
		v.Dashboard.Leader = l
		return true
	})
}

// ApplyMetrics replaces the system metrics section.
func (a *Aggregator) ApplyMetrics(m models.SystemMetrics) {
	a.patch(func(v *View) bool {
		v.Dashboard.Metrics = m
		return true
	})
}

// AddAlert inserts or replaces an alert by id. Acknowledged alerts are removed
// from the active list.
func (a *Aggregator) AddAlert(alert models.Alert) {
	a.patch(func(v *View) bool {
		alerts := make([]models.Alert, 0, len(v.Dashboard.ActiveAlerts)+1)
		if !alert.Acknowledged {
			alerts = append(alerts, alert)
		}
		for _, existing := range v.Dashboard.ActiveAlerts {
			if existing.ID != alert.ID {
				alerts = append(alerts, existing)
			}
		}
		v.Dashboard.ActiveAlerts = alerts
		return true
	})
}

// Subscriber is the subscription surface of stream.Manager.
type Subscriber interface {
	Subscribe(t stream.EventType, h stream.Handler) func()
}

// Attach subscribes the aggregator's patch methods to every push event type.
// The returned func removes the subscriptions.
func (a *Aggregator) Attach(sub Subscriber) func() {
	unsubs := []func(){
		sub.Subscribe(stream.EventExecutionUpdate, func(msg stream.Message) {
			u, err := stream.DecodeExecutionUpdate(msg)
			if err != nil {
				a.logger.Warn("decoding execution update", "err", err)
				return
			}
			if !a.ApplyExecutionUpdate(u) {
				a.logger.Debug("execution update for unlisted execution", "execution_id", u.ExecutionID)
			}
		}),
		sub.Subscribe(stream.EventTaskStatus, func(msg stream.Message) {
			c, err := stream.DecodeTaskStatusChange(msg)
			if err != nil {
				a.logger.Warn("decoding task status change", "err", err)
				return
			}
			a.ApplyTaskStatus(c)
		}),
		sub.Subscribe(stream.EventLeaderChange, func(msg stream.Message) {
			l, err := stream.DecodeLeaderChange(msg)
			if err != nil {
				a.logger.Warn("decoding leader change", "err", err)
				return
			}
			a.ApplyLeaderChange(l)
		}),
		sub.Subscribe(stream.EventMetrics, func(msg stream.Message) {
			m, err := stream.DecodeMetrics(msg)
			if err != nil {
				a.logger.Warn("decoding metrics", "err", err)
				return
			}
			a.ApplyMetrics(m)
		}),
		sub.Subscribe(stream.EventAlert, func(msg stream.Message) {
			alert, err := stream.DecodeAlert(msg)
			if err != nil {
				a.logger.Warn("decoding alert", "err", err)
				return
			}
			a.AddAlert(alert)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
