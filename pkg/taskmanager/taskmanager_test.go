package taskmanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCompletes(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return "done", nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	task, err := tm.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, "done", task.Result)
	assert.Equal(t, 100, task.Progress)
}

func TestTaskFailureKeepsError(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	boom := errors.New("boom")
	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, boom
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusFailed
	}, time.Second, 10*time.Millisecond)

	task, _ := tm.GetTask(taskID)
	assert.ErrorIs(t, task.Error, boom)
}

func TestCancelTask(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	started := make(chan struct{})
	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, tm.CancelTask(taskID))

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusCancelled
	}, time.Second, 10*time.Millisecond)

	// A finished task cannot be cancelled again.
	assert.Error(t, tm.CancelTask(taskID))
}

func TestRegisterCallbackAfterCompletion(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return 42, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	// Registering late must still observe the terminal status.
	got := make(chan TaskStatus, 1)
	require.NoError(t, tm.RegisterCallback(taskID, func(task *Task) {
		got <- task.Status
	}))

	select {
	case status := <-got:
		assert.Equal(t, TaskStatusCompleted, status)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCallbackGetsSnapshot(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return "done", nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	// Mutating the callback's task must not touch the stored record.
	fired := make(chan struct{})
	require.NoError(t, tm.RegisterCallback(taskID, func(task *Task) {
		task.Status = TaskStatusFailed
		task.Result = nil
		close(fired)
	}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	task, err := tm.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.Equal(t, "done", task.Result)
}

func TestCleanupTasks(t *testing.T) {
	tm := NewManager()
	t.Cleanup(tm.Close)

	taskID, err := tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := tm.GetTask(taskID)
		return err == nil && task.Status == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)

	tm.CleanupTasks(0)

	_, err = tm.GetTask(taskID)
	assert.Error(t, err)
}

func TestMaxActiveTasks(t *testing.T) {
	tm, err := New(Config{MaxTasks: 1})
	require.NoError(t, err)
	t.Cleanup(tm.Close)

	release := make(chan struct{})
	_, err = tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-release
		return nil, nil
	}, nil)
	require.NoError(t, err)

	_, err = tm.SubmitTask(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.Error(t, err)

	close(release)
}
