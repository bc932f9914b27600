package task

import "sync"

// Set holds at most one in-flight Task per key.
type Set[K comparable] struct {
	mu    sync.Mutex
	tasks map[K]Task
}

// NewSet creates an empty Set.
func NewSet[K comparable]() *Set[K] {
	return &Set[K]{tasks: make(map[K]Task)}
}

// Replace stores t under key and cancels whatever task was stored there
// before. The previous task is cancelled after the lock is released.
func (s *Set[K]) Replace(key K, t Task) {
	s.mu.Lock()
	prev := s.tasks[key]
	s.tasks[key] = t
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
}

// Remove forgets the task stored under key if it is t. It does not cancel it.
func (s *Set[K]) Remove(key K, t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[key]; ok && cur == t {
		delete(s.tasks, key)
	}
}

// Cancel cancels and removes the task stored under key.
func (s *Set[K]) Cancel(key K) {
	s.mu.Lock()
	t := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
}

// CancelAll cancels every stored task and empties the set.
func (s *Set[K]) CancelAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[K]Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Len returns the number of stored tasks.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
