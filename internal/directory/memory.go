package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is the in-process cache used in dev and tests.
type Memory struct {
	mu       sync.RWMutex
	subjects map[string]Subject
}

func NewMemory() *Memory {
	return &Memory{subjects: make(map[string]Subject)}
}

func (m *Memory) Get(_ context.Context, id string) (*Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, ErrSubjectUnknown
	}
	return &s, nil
}

func (m *Memory) Put(_ context.Context, s Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[s.ID] = s
	return nil
}

func (m *Memory) PutAll(_ context.Context, subjects []Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subjects {
		m.subjects[s.ID] = s
	}
	return nil
}

func (m *Memory) ByGroup(_ context.Context, groupID string) ([]Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subject
	for _, s := range m.subjects {
		if s.GroupID == groupID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subjects), nil
}
