package pubsub

import "sync"

// Registry owns topics keyed by id, such as one output topic per session.
type Registry[T any] struct {
	opts Options[T]

	mu     sync.Mutex
	topics map[string]*Topic[T]
	closed bool
}

// NewRegistry creates an empty registry whose topics share opts.
func NewRegistry[T any](opts Options[T]) *Registry[T] {
	return &Registry[T]{opts: opts, topics: make(map[string]*Topic[T])}
}

// Topic returns the topic for key, creating it when absent. After Close the
// returned topic is already closed.
func (r *Registry[T]) Topic(key string) *Topic[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[key]; ok {
		return t
	}
	t := NewTopic(r.opts)
	if r.closed {
		t.Close()
		return t
	}
	r.topics[key] = t
	return t
}

// Lookup returns the topic for key without creating it.
func (r *Registry[T]) Lookup(key string) (*Topic[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[key]
	return t, ok
}

// Remove closes and forgets the topic for key.
func (r *Registry[T]) Remove(key string) {
	r.mu.Lock()
	t, ok := r.topics[key]
	delete(r.topics, key)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Len returns the number of registered topics.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// Close closes every topic; later topics are born closed.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[string]*Topic[T])
	r.closed = true
	r.mu.Unlock()
	for _, t := range topics {
		t.Close()
	}
}
