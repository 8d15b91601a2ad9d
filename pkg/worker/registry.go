package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry keeps track of the worker threads of a process by name
type Registry struct {
	mu      sync.Mutex
	threads map[string]*Thread
	order   []*Thread
}

func NewRegistry() *Registry {
	return &Registry{threads: make(map[string]*Thread)}
}

func (r *Registry) Add(th *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[th.name]; ok {
		return fmt.Errorf("worker thread %v already registered", th.name)
	}
	r.threads[th.name] = th
	r.order = append(r.order, th)
	return nil
}

// Get a thread by name, nil if not found
func (r *Registry) Get(name string) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[name]
}

// Threads in registration order
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Thread(nil), r.order...)
}

// Run every registered thread until ctx is done or one of them fails
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, th := range r.Threads() {
		g.Go(func() error {
			return th.Run(ctx)
		})
	}
	return g.Wait()
}
