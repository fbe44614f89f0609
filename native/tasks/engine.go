package tasks

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	coreerr "duxnet/core/errors"
	"duxnet/core/events"
	"duxnet/native/common"
	"duxnet/native/reputation"
	"duxnet/observability/metrics"
	"duxnet/storage"
)

// SettlementNotifier receives the completion cascade for tasks that carry an
// escrow reference. The scheduler never talks to chain adapters itself.
type SettlementNotifier interface {
	CompleteContract(contractID string) error
}

// ReputationSink receives reputation events from the completion cascade.
type ReputationSink interface {
	ApplyReputation(nodeID string, event reputation.EventType) error
}

// Engine is the task scheduler: it owns the task state machine and the
// watchdog sweep. Every transition is a conditional update; losing a race
// surfaces as Conflict, never as silent double assignment.
type Engine struct {
	store      *storage.Store
	emitter    events.Emitter
	log        *slog.Logger
	nowFn      func() time.Time
	grace      time.Duration
	settlement SettlementNotifier
	reputation ReputationSink
}

// NewEngine constructs a scheduler over the shared store.
func NewEngine(store *storage.Store) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
		log:     slog.Default().With("component", "scheduler"),
		nowFn:   time.Now,
		grace:   5 * time.Second,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetTimeoutGrace overrides the slack added on top of max_execution_time
// before the watchdog declares a timeout.
func (e *Engine) SetTimeoutGrace(d time.Duration) {
	if d >= 0 {
		e.grace = d
	}
}

// SetSettlementNotifier wires the escrow completion cascade.
func (e *Engine) SetSettlementNotifier(n SettlementNotifier) { e.settlement = n }

// SetReputationSink wires the reputation cascade.
func (e *Engine) SetReputationSink(r ReputationSink) { e.reputation = r }

func (e *Engine) emit(event *events.Event) {
	if e != nil && e.emitter != nil && event != nil {
		e.emitter.Emit(event)
	}
}

func (e *Engine) now() time.Time { return e.nowFn() }

// SubmitRequest carries a new task submission.
type SubmitRequest struct {
	TaskType             string         `json:"task_type"`
	Payload              map[string]any `json:"payload,omitempty"`
	Priority             string         `json:"priority,omitempty"`
	MaxExecutionTime     int            `json:"max_execution_time"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Reward               string         `json:"reward,omitempty"`
	Currency             string         `json:"currency,omitempty"`
	SubmitterID          string         `json:"submitter_id"`
	EscrowID             string         `json:"escrow_id,omitempty"`
}

// Submit validates and persists a new pending task.
func (e *Engine) Submit(req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "task_type required")
	}
	if strings.TrimSpace(req.SubmitterID) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "submitter_id required")
	}
	if req.MaxExecutionTime <= 0 {
		return nil, coreerr.E(coreerr.CodeValidation, "max_execution_time must be positive")
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	currency := ""
	reward := strings.TrimSpace(req.Reward)
	if reward != "" {
		currency, err = common.NormalizeCurrency(req.Currency)
		if err != nil {
			return nil, err
		}
		units, err := common.ParseAmount(reward, currency)
		if err != nil {
			return nil, err
		}
		if units.Sign() < 0 {
			return nil, coreerr.E(coreerr.CodeValidation, "reward must not be negative")
		}
	}

	task := Task{
		TaskID:           uuid.NewString(),
		TaskType:         strings.TrimSpace(req.TaskType),
		Priority:         priority,
		PriorityRank:     priority.Rank(),
		MaxExecutionTime: req.MaxExecutionTime,
		Reward:           reward,
		Currency:         currency,
		SubmitterID:      strings.TrimSpace(req.SubmitterID),
		EscrowID:         strings.TrimSpace(req.EscrowID),
		Status:           StatusPending,
		CreatedAt:        e.now(),
	}
	task.SetRequiredCapabilities(req.RequiredCapabilities)
	if req.Payload != nil {
		encoded, err := encodePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		task.Payload = encoded
	}

	if err := e.store.DB().Create(&task).Error; err != nil {
		return nil, storage.TranslateError(err, "submit task")
	}
	metrics.Core().TaskTransitions.WithLabelValues(string(StatusPending)).Inc()
	e.refreshPendingGauge()
	e.emit(events.NewTaskEvent(events.TypeTaskSubmitted, task.TaskID, ""))
	return &task, nil
}

// AvailableFor returns the pending tasks a node with the given capabilities
// could run, sorted by priority then submission order.
func (e *Engine) AvailableFor(nodeCaps []string) ([]Task, error) {
	var pending []Task
	if err := e.store.DB().
		Where("status = ?", StatusPending).
		Order("priority_rank asc, created_at asc").
		Find(&pending).Error; err != nil {
		return nil, storage.TranslateError(err, "list pending tasks")
	}
	capSet := make(map[string]struct{}, len(nodeCaps))
	for _, cap := range nodeCaps {
		capSet[strings.ToLower(strings.TrimSpace(cap))] = struct{}{}
	}
	eligible := pending[:0]
	for _, task := range pending {
		if capSubset(task.RequiredCapabilityList(), capSet) {
			eligible = append(eligible, task)
		}
	}
	// The query already orders correctly; keep the sort as a guard for
	// equal timestamps from coarse clock resolution.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].PriorityRank != eligible[j].PriorityRank {
			return eligible[i].PriorityRank < eligible[j].PriorityRank
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible, nil
}

func capSubset(required []string, available map[string]struct{}) bool {
	for _, cap := range required {
		if _, ok := available[cap]; !ok {
			return false
		}
	}
	return true
}

// Assign CAS-es pending → assigned for the given node. Losing the race
// returns Conflict.
func (e *Engine) Assign(taskID, nodeID string) (*Task, error) {
	if strings.TrimSpace(nodeID) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "node_id required")
	}
	return e.transition(taskID, map[string]any{
		"status":           StatusAssigned,
		"assigned_node_id": nodeID,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ?", StatusPending)
	}, events.TypeTaskAssigned, nodeID)
}

// Start CAS-es assigned → running, guarded by the assignee.
func (e *Engine) Start(taskID, nodeID string) (*Task, error) {
	now := e.now()
	return e.transition(taskID, map[string]any{
		"status":     StatusRunning,
		"started_at": &now,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND assigned_node_id = ?", StatusAssigned, nodeID)
	}, events.TypeTaskStarted, nodeID)
}

// Complete CAS-es running → completed and records the task result in the
// same transaction, then fires the settlement and reputation cascade.
func (e *Engine) Complete(taskID, nodeID string, result string, duration time.Duration) (*Task, error) {
	now := e.now()
	var task Task
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).
			Where("task_id = ? AND status = ? AND assigned_node_id = ?", taskID, StatusRunning, nodeID).
			Updates(map[string]any{
				"status":       StatusCompleted,
				"result":       result,
				"completed_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, taskID)
		}
		if err := tx.Create(&TaskResult{
			ResultID:        uuid.NewString(),
			TaskID:          taskID,
			NodeID:          nodeID,
			Output:          result,
			DurationSeconds: duration.Seconds(),
			CreatedAt:       now,
		}).Error; err != nil {
			return err
		}
		return tx.First(&task, "task_id = ?", taskID).Error
	})
	if err != nil {
		return nil, storage.TranslateError(err, "complete task")
	}
	metrics.Core().TaskTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.Core().TaskDuration.Observe(duration.Seconds())
	e.refreshPendingGauge()
	e.emit(events.NewTaskEvent(events.TypeTaskCompleted, taskID, nodeID))
	e.cascadeCompleted(&task)
	return &task, nil
}

// Fail CAS-es running → failed.
func (e *Engine) Fail(taskID, nodeID, message string) (*Task, error) {
	now := e.now()
	task, err := e.transition(taskID, map[string]any{
		"status":        StatusFailed,
		"error_message": message,
		"completed_at":  &now,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND assigned_node_id = ?", StatusRunning, nodeID)
	}, events.TypeTaskFailed, nodeID)
	if err != nil {
		return nil, err
	}
	e.cascadeNegative(task, reputation.EventTaskFailure)
	return task, nil
}

// Cancel transitions pending → cancelled. Assigned and running tasks are
// never cancelled; they time out instead.
func (e *Engine) Cancel(taskID string) (*Task, error) {
	now := e.now()
	return e.transition(taskID, map[string]any{
		"status":       StatusCancelled,
		"completed_at": &now,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ?", StatusPending)
	}, events.TypeTaskCancelled, "")
}

// ReportTimeout lets the executing node report a wall-clock overrun without
// waiting for the watchdog.
func (e *Engine) ReportTimeout(taskID, nodeID string) (*Task, error) {
	now := e.now()
	task, err := e.transition(taskID, map[string]any{
		"status":        StatusTimeout,
		"error_message": "max execution time exceeded",
		"completed_at":  &now,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND assigned_node_id = ?", StatusRunning, nodeID)
	}, events.TypeTaskTimeout, nodeID)
	if err != nil {
		return nil, err
	}
	e.cascadeNegative(task, reputation.EventTaskTimeout)
	return task, nil
}

// Get returns the task record.
func (e *Engine) Get(taskID string) (*Task, error) {
	var task Task
	if err := e.store.DB().First(&task, "task_id = ?", taskID).Error; err != nil {
		return nil, storage.TranslateError(err, "load task")
	}
	return &task, nil
}

// Statistics aggregates the task table.
func (e *Engine) Statistics() (*Statistics, error) {
	stats := &Statistics{
		ByStatus:   make(map[Status]int64),
		ByPriority: make(map[Priority]int64),
	}
	var tasks []Task
	if err := e.store.DB().Find(&tasks).Error; err != nil {
		return nil, storage.TranslateError(err, "task statistics")
	}
	var durations float64
	var completed int64
	for i := range tasks {
		stats.Total++
		stats.ByStatus[tasks[i].Status]++
		stats.ByPriority[tasks[i].Priority]++
		if tasks[i].Status == StatusCompleted && tasks[i].StartedAt != nil && tasks[i].CompletedAt != nil {
			durations += tasks[i].CompletedAt.Sub(*tasks[i].StartedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		stats.AverageDuration = durations / float64(completed)
	}
	return stats, nil
}

// WatchdogPass marks every running task past its deadline (plus grace) as
// timed out, without requiring node cooperation. Returns the task ids swept.
func (e *Engine) WatchdogPass() ([]string, error) {
	var running []Task
	if err := e.store.DB().Where("status = ?", StatusRunning).Find(&running).Error; err != nil {
		return nil, storage.TranslateError(err, "scan running tasks")
	}
	now := e.now()
	var swept []string
	for i := range running {
		task := &running[i]
		if task.StartedAt == nil {
			continue
		}
		deadline := task.StartedAt.Add(time.Duration(task.MaxExecutionTime)*time.Second + e.grace)
		if now.Before(deadline) {
			continue
		}
		res := e.store.DB().Model(&Task{}).
			Where("task_id = ? AND status = ?", task.TaskID, StatusRunning).
			Updates(map[string]any{
				"status":        StatusTimeout,
				"error_message": "watchdog: max execution time exceeded",
				"completed_at":  &now,
			})
		if res.Error != nil {
			return swept, storage.TranslateError(res.Error, "watchdog timeout")
		}
		if res.RowsAffected == 0 {
			continue // the node reported in the meantime
		}
		metrics.Core().TaskTransitions.WithLabelValues(string(StatusTimeout)).Inc()
		e.emit(events.NewTaskEvent(events.TypeTaskTimeout, task.TaskID, task.AssignedNodeID))
		e.cascadeNegative(task, reputation.EventTaskTimeout)
		swept = append(swept, task.TaskID)
	}
	return swept, nil
}

// Run executes the watchdog until ctx is cancelled. Failures are logged and
// the sweep continues on the next tick.
func (e *Engine) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := e.WatchdogPass(); err != nil {
				e.log.Error("watchdog sweep failed", "error", err)
			} else if len(swept) > 0 {
				e.log.Warn("watchdog timed out tasks", "count", len(swept))
			}
		}
	}
}

func (e *Engine) transition(taskID string, updates map[string]any, guard func(*gorm.DB) *gorm.DB, eventType, nodeID string) (*Task, error) {
	var task Task
	err := e.store.Transaction(func(tx *gorm.DB) error {
		res := guard(tx.Model(&Task{}).Where("task_id = ?", taskID)).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return e.conflictOrNotFound(tx, taskID)
		}
		return tx.First(&task, "task_id = ?", taskID).Error
	})
	if err != nil {
		return nil, storage.TranslateError(err, "task transition")
	}
	if status, ok := updates["status"].(Status); ok {
		metrics.Core().TaskTransitions.WithLabelValues(string(status)).Inc()
	}
	e.refreshPendingGauge()
	e.emit(events.NewTaskEvent(eventType, taskID, nodeID))
	return &task, nil
}

// conflictOrNotFound distinguishes a lost CAS from a missing record.
func (e *Engine) conflictOrNotFound(tx *gorm.DB, taskID string) error {
	var existing Task
	if err := tx.First(&existing, "task_id = ?", taskID).Error; err != nil {
		if storage.NotFound(err) {
			return coreerr.E(coreerr.CodeNotFound, "task %s not found", taskID)
		}
		return err
	}
	return coreerr.E(coreerr.CodeConflict, "task %s is %s", taskID, existing.Status)
}

func (e *Engine) cascadeCompleted(task *Task) {
	if task == nil {
		return
	}
	if e.reputation != nil && task.AssignedNodeID != "" {
		if err := e.reputation.ApplyReputation(task.AssignedNodeID, reputation.EventTaskSuccess); err != nil {
			e.log.Error("reputation cascade failed", "taskId", task.TaskID, "error", err)
		}
	}
	if e.settlement != nil && task.EscrowID != "" {
		if err := e.settlement.CompleteContract(task.EscrowID); err != nil {
			e.log.Error("settlement cascade failed", "taskId", task.TaskID, "escrowId", task.EscrowID, "error", err)
		}
	}
}

func (e *Engine) cascadeNegative(task *Task, event reputation.EventType) {
	if task == nil || e.reputation == nil || task.AssignedNodeID == "" {
		return
	}
	// No automatic refund: dispute resolution stays outside this path.
	if err := e.reputation.ApplyReputation(task.AssignedNodeID, event); err != nil {
		e.log.Error("reputation cascade failed", "taskId", task.TaskID, "error", err)
	}
}

func (e *Engine) refreshPendingGauge() {
	var pending int64
	if err := e.store.DB().Model(&Task{}).Where("status = ?", StatusPending).Count(&pending).Error; err != nil {
		return
	}
	metrics.Core().TasksPending.Set(float64(pending))
}
