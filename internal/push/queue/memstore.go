package queue

import (
	"context"
	"sort"
	"sync"

	"transitpush/internal/push"
)

// MemStore keeps task state in memory only. It is the Store used when
// persistence is disabled: write-before-dispatch ordering still holds,
// but nothing survives a restart.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]push.Task
}

func NewMemStore() *MemStore {
	return &MemStore{tasks: map[string]push.Task{}}
}

func (m *MemStore) SaveTask(_ context.Context, t push.Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *MemStore) UpdateTask(_ context.Context, t push.Task) error {
	m.mu.Lock()
	if t.State.Terminal() {
		// Nothing resumes from memory, so terminal tasks can go right away.
		delete(m.tasks, t.ID)
	} else {
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()
	return nil
}

func (m *MemStore) UpdateMessage(_ context.Context, taskID string, msg push.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	for i := range t.Messages {
		if t.Messages[i].ID == msg.ID {
			t.Messages[i] = msg
			break
		}
	}
	m.tasks[taskID] = t
	return nil
}

func (m *MemStore) PendingTasks(_ context.Context) ([]push.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]push.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
