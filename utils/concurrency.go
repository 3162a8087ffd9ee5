package utils

import (
	"sync"
	"time"

	"github.com/alitto/pond/v2"
)

// WorkerPool runs jobs on a bounded pond pool with an optional minimum
// interval between job starts. Jobs are submitted from a single goroutine.
type WorkerPool struct {
	pool      pond.Pool
	group     pond.TaskGroup
	rateLimit time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewWorkerPool creates a WorkerPool with the given concurrency and rate limit.
func NewWorkerPool(maxWorkers, rateLimitMs int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := pond.NewPool(maxWorkers)
	return &WorkerPool{
		pool:      p,
		group:     p.NewGroup(),
		rateLimit: time.Duration(rateLimitMs) * time.Millisecond,
	}
}

// Submit enqueues a job for execution in the pool.
func (wp *WorkerPool) Submit(job func()) {
	wp.group.Submit(func() {
		wp.enforceRateLimit()
		job()
	})
}

// Wait blocks until every job submitted since the last Wait has completed.
// The pool can take new jobs afterwards.
func (wp *WorkerPool) Wait() error {
	err := wp.group.Wait()
	wp.group = wp.pool.NewGroup()
	return err
}

// Close stops the pool after running queued jobs.
func (wp *WorkerPool) Close() {
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) enforceRateLimit() {
	if wp.rateLimit <= 0 {
		return
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.lastRequest.IsZero() {
		if elapsed := time.Since(wp.lastRequest); elapsed < wp.rateLimit {
			time.Sleep(wp.rateLimit - elapsed)
		}
	}
	wp.lastRequest = time.Now()
}

// StringSet is a thread-safe set of strings.
type StringSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewStringSet creates an empty StringSet.
func NewStringSet() *StringSet {
	return &StringSet{seen: make(map[string]struct{})}
}

// Add returns true if s was newly added, false if already present.
func (s *StringSet) Add(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[v]; exists {
		return false
	}
	s.seen[v] = struct{}{}
	return true
}
