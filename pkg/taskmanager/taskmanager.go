package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ITaskManager is the task-management interface consumed by the
// service layer.
type ITaskManager interface {
	SubmitTask(ctx context.Context, taskFunc TaskFunc, params interface{}) (uuid.UUID, error)
	SubmitTaskWithOwner(ctx context.Context, taskFunc TaskFunc, params interface{}, ownerID string) (uuid.UUID, error)
	GetTask(taskID uuid.UUID) (*Task, error)
	Close()
	Shutdown(ctx context.Context) error
	CancelTask(taskID uuid.UUID) error
	RegisterCallback(taskID uuid.UUID, callback TaskCallback) error
	UnregisterCallbacks(taskID uuid.UUID)
	CleanupTasks(age time.Duration)
	SetWebSocketNotifier(notifier WebSocketNotifier)
}

// WebSocketNotifier pushes task progress to connected clients. The
// owner id of a task is the reader session it belongs to.
type WebSocketNotifier interface {
	SendToSession(sessionID, messageType, topic string, payload interface{})
	Broadcast(messageType, topic string, payload interface{})
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskFunc is the unit of work a task executes.
type TaskFunc func(ctx context.Context, params interface{}) (interface{}, error)

// TaskCallback fires on every status change of the task it is
// registered for. Callbacks run on their own goroutines and receive a
// copy of the task taken under the manager's lock, never the live
// record.
type TaskCallback func(task *Task)

// Task is one asynchronous unit of work and its bookkeeping.
type Task struct {
	ID        uuid.UUID
	Status    TaskStatus
	Progress  int
	Message   string
	Result    interface{}
	Error     error
	CreatedAt time.Time
	UpdatedAt time.Time
	Cancel    context.CancelFunc
}

// TaskManager runs tasks on goroutines and tracks their status. All
// methods are safe for concurrent use.
type TaskManager struct {
	tasks      map[uuid.UUID]*Task
	mu         sync.RWMutex
	maxTasks   int
	callbacks  map[uuid.UUID][]TaskCallback
	closing    chan struct{}
	wg         sync.WaitGroup
	wsNotifier WebSocketNotifier
	taskOwners map[uuid.UUID]string
}

// Config holds the TaskManager settings.
type Config struct {
	MaxTasks int
}

// New creates a TaskManager. MaxTasks caps concurrently active tasks;
// non-positive values fall back to 10.
func New(cfg Config) (*TaskManager, error) {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}

	return &TaskManager{
		tasks:      make(map[uuid.UUID]*Task),
		maxTasks:   maxTasks,
		callbacks:  make(map[uuid.UUID][]TaskCallback),
		closing:    make(chan struct{}),
		taskOwners: make(map[uuid.UUID]string),
	}, nil
}

// NewManager creates a TaskManager with default settings.
func NewManager() *TaskManager {
	manager, _ := New(Config{MaxTasks: 10})
	return manager
}

// Close cancels every unfinished task and waits for their goroutines.
func (tm *TaskManager) Close() {
	close(tm.closing)

	tm.mu.Lock()
	for _, task := range tm.tasks {
		if task.Status == TaskStatusPending || task.Status == TaskStatusRunning {
			if task.Cancel != nil {
				task.Cancel()
			}
		}
	}
	// Release before waiting: finishing tasks take the lock to record
	// their final status.
	tm.mu.Unlock()

	tm.wg.Wait()
}

// Shutdown waits for running tasks to drain, bounded by ctx.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	close(tm.closing)

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for tasks to finish")
	}
}

// SubmitTask starts taskFunc on its own goroutine and returns the task
// id. The task runs on an independent context so it survives the
// submitting request; it is cancelled only through CancelTask, Close
// or Shutdown.
func (tm *TaskManager) SubmitTask(ctx context.Context, taskFunc TaskFunc, params interface{}) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	activeTasks := 0
	for _, task := range tm.tasks {
		if task.Status == TaskStatusPending || task.Status == TaskStatusRunning {
			activeTasks++
		}
	}
	if activeTasks >= tm.maxTasks {
		return uuid.UUID{}, errors.New("too many active tasks")
	}

	taskID := uuid.New()

	// Detach from the request context but keep its logger.
	baseTaskCtx, cancel := context.WithCancel(context.Background())
	taskCtx := log.Ctx(ctx).WithContext(baseTaskCtx)

	task := &Task{
		ID:        taskID,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Cancel:    cancel,
	}
	tm.tasks[taskID] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()

		tm.runTask(taskCtx, task, taskFunc, params)
	}()

	return taskID, nil
}

// SubmitTaskWithOwner starts a task tied to an owner (a reader session
// id); the owner receives WebSocket updates on every status change.
func (tm *TaskManager) SubmitTaskWithOwner(ctx context.Context, taskFunc TaskFunc, params interface{}, ownerID string) (uuid.UUID, error) {
	taskID, err := tm.SubmitTask(ctx, taskFunc, params)
	if err != nil {
		return uuid.UUID{}, err
	}

	tm.mu.Lock()
	tm.taskOwners[taskID] = ownerID
	tm.mu.Unlock()

	return taskID, nil
}

func (tm *TaskManager) runTask(ctx context.Context, task *Task, taskFunc TaskFunc, params interface{}) {
	tm.updateTaskStatus(ctx, task, TaskStatusRunning, 0, "task started")

	result, err := taskFunc(ctx, params)

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Ctx(ctx).Info().Str("taskID", task.ID.String()).Msg("task context cancelled")
			tm.updateTaskStatus(ctx, task, TaskStatusCancelled, 100, "task cancelled")
		} else {
			log.Ctx(ctx).Error().Err(ctx.Err()).Str("taskID", task.ID.String()).Msg("task context error")
			tm.updateTaskStatus(ctx, task, TaskStatusFailed, 100, fmt.Sprintf("context error: %v", ctx.Err()))
		}
		return
	}

	if err != nil {
		task.Error = err
		log.Ctx(ctx).Error().Err(err).Str("taskID", task.ID.String()).Msg("task failed")
		tm.updateTaskStatus(ctx, task, TaskStatusFailed, 100, fmt.Sprintf("error: %v", err))
		return
	}

	task.Result = result
	log.Ctx(ctx).Info().Str("taskID", task.ID.String()).Msg("task completed")
	tm.updateTaskStatus(ctx, task, TaskStatusCompleted, 100, "task completed")
}

func (tm *TaskManager) updateTaskStatus(ctx context.Context, task *Task, status TaskStatus, progress int, message string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task.Status = status
	task.Progress = progress
	task.Message = message
	task.UpdatedAt = time.Now()

	for _, callback := range tm.callbacks[task.ID] {
		snapshot := *task
		go callback(&snapshot)
	}

	if tm.wsNotifier != nil {
		payload := map[string]interface{}{
			"task_id":    task.ID,
			"status":     task.Status,
			"progress":   task.Progress,
			"message":    task.Message,
			"updated_at": task.UpdatedAt,
		}

		if task.Status == TaskStatusCompleted && task.Result != nil {
			payload["result"] = task.Result
		}

		if ownerID, ok := tm.taskOwners[task.ID]; ok {
			tm.wsNotifier.SendToSession(ownerID, "task_update", "tasks", payload)
		}
	}

	log.Ctx(ctx).Info().
		Str("taskID", task.ID.String()).
		Str("newStatus", string(task.Status)).
		Int("progress", task.Progress).
		Str("message", task.Message).
		Msg("task status updated")
}

// GetTask returns the task with the given id.
func (tm *TaskManager) GetTask(taskID uuid.UUID) (*Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	task, ok := tm.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	return task, nil
}

// CancelTask cancels a pending or running task.
func (tm *TaskManager) CancelTask(taskID uuid.UUID) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	if task.Status != TaskStatusPending && task.Status != TaskStatusRunning {
		return fmt.Errorf("cannot cancel a task in status %s", task.Status)
	}

	if task.Cancel != nil {
		task.Cancel()
	}

	task.Status = TaskStatusCancelled
	task.Message = "task cancelled by owner"
	task.UpdatedAt = time.Now()

	return nil
}

// RegisterCallback attaches a status-change callback to a task. If the
// task already reached a terminal status the callback fires right
// away, so registering after a fast task still observes its outcome.
func (tm *TaskManager) RegisterCallback(taskID uuid.UUID, callback TaskCallback) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	tm.callbacks[taskID] = append(tm.callbacks[taskID], callback)

	switch task.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		snapshot := *task
		go callback(&snapshot)
	}
	return nil
}

// UnregisterCallbacks drops all callbacks of a task.
func (tm *TaskManager) UnregisterCallbacks(taskID uuid.UUID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.callbacks, taskID)
}

// CleanupTasks removes finished tasks older than age.
func (tm *TaskManager) CleanupTasks(age time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for id, task := range tm.tasks {
		if (task.Status == TaskStatusCompleted || task.Status == TaskStatusFailed || task.Status == TaskStatusCancelled) &&
			now.Sub(task.UpdatedAt) > age {
			delete(tm.tasks, id)
			delete(tm.callbacks, id)
			delete(tm.taskOwners, id)
		}
	}
}

// SetWebSocketNotifier wires the notifier used for owner updates. Set
// it before submitting tasks.
func (tm *TaskManager) SetWebSocketNotifier(notifier WebSocketNotifier) {
	tm.wsNotifier = notifier
}
