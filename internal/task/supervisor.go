// Package task runs background jobs under a bounded worker pool with
// at-most-one-running-or-queued per key. Long downloads go through here so
// the API can report, cancel and deduplicate them.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"candlelake/internal/lake"
)

// State is the lifecycle of one task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// JobFunc is the work a task performs. Cancellation arrives through ctx.
type JobFunc func(ctx context.Context) (any, error)

// Info is a point-in-time snapshot of one task.
type Info struct {
	Key        string    `json:"key"`
	State      State     `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     any       `json:"result,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type taskEntry struct {
	info   Info
	job    JobFunc
	cancel context.CancelFunc
}

// Key builds the dedup key for a download job. Case differences in user
// input collapse to one key.
func Key(exchange, market, symbol, dataType string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", exchange, market, symbol, dataType))
}

// Supervisor owns a FIFO queue served by a fixed pool of workers. A key is
// unique among queued and running tasks; finished tasks stay visible until
// cleared or resubmitted.
type Supervisor struct {
	mu      sync.Mutex
	tasks   map[string]*taskEntry
	queue   chan string
	bus     *Bus
	log     *logrus.Entry
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor starts workers goroutines serving the queue.
func NewSupervisor(workers int, bus *Bus, log *logrus.Logger) *Supervisor {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		tasks:   make(map[string]*taskEntry),
		queue:   make(chan string, 1024),
		bus:     bus,
		log:     logrus.NewEntry(log).WithField("component", "supervisor"),
		baseCtx: ctx,
		stop:    cancel,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Submit enqueues a job under key. A key already queued or running is
// rejected with ErrAlreadyRunning; a finished task under the same key is
// replaced.
func (s *Supervisor) Submit(key, detail string, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tasks[key]; ok {
		if e.info.State == StateQueued || e.info.State == StateRunning {
			return fmt.Errorf("%w: %s", lake.ErrAlreadyRunning, key)
		}
	}
	e := &taskEntry{
		info: Info{Key: key, State: StateQueued, Detail: detail, EnqueuedAt: time.Now().UTC()},
		job:  job,
	}
	s.tasks[key] = e
	select {
	case s.queue <- key:
	default:
		delete(s.tasks, key)
		return errors.New("task queue is full")
	}
	s.publish(e.info)
	s.log.WithField("key", key).Info("task queued")
	return nil
}

func (s *Supervisor) worker(n int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case key := <-s.queue:
			s.run(n, key)
		}
	}
}

func (s *Supervisor) run(n int, key string) {
	s.mu.Lock()
	e, ok := s.tasks[key]
	if !ok || e.info.State != StateQueued {
		// Cancelled while queued.
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	e.cancel = cancel
	e.info.State = StateRunning
	e.info.StartedAt = time.Now().UTC()
	info := e.info
	job := e.job
	s.mu.Unlock()
	s.publish(info)

	log := s.log.WithFields(logrus.Fields{"worker": n, "key": key})
	log.Info("task started")
	result, err := job(ctx)
	cancel()

	s.mu.Lock()
	e.info.FinishedAt = time.Now().UTC()
	e.cancel = nil
	if err != nil {
		e.info.State = StateFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, lake.ErrCancelled) {
			e.info.Error = "cancelled"
		} else {
			e.info.Error = err.Error()
		}
	} else {
		e.info.State = StateCompleted
		e.info.Result = result
	}
	info = e.info
	s.mu.Unlock()
	s.publish(info)

	if err != nil {
		log.WithError(err).Warn("task finished with error")
	} else {
		log.Info("task completed")
	}
}

func (s *Supervisor) publish(info Info) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{Key: info.Key, State: info.State, Error: info.Error, Timestamp: time.Now().UTC()})
}

// Cancel stops the task under key. A running task gets its context
// cancelled and reports failed/cancelled when the job returns; a queued
// task fails immediately.
func (s *Supervisor) Cancel(key string) error {
	s.mu.Lock()
	e, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", key, lake.ErrNotFound)
	}
	switch e.info.State {
	case StateRunning:
		cancel := e.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateQueued:
		e.info.State = StateFailed
		e.info.Error = "cancelled"
		e.info.FinishedAt = time.Now().UTC()
		info := e.info
		s.mu.Unlock()
		s.publish(info)
		return nil
	default:
		s.mu.Unlock()
		return fmt.Errorf("task %s already finished: %w", key, lake.ErrNotFound)
	}
}

// SetDetail replaces the detail line of a running task. Jobs call it to
// report progress; updates to finished or unknown tasks are dropped.
func (s *Supervisor) SetDetail(key, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[key]
	if !ok || e.info.State != StateRunning {
		return
	}
	e.info.Detail = detail
}

// Get returns the snapshot of one task.
func (s *Supervisor) Get(key string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[key]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Snapshot returns every known task, ordered by enqueue time.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Clear drops finished tasks from the table and returns how many were
// removed. Queued and running tasks stay.
func (s *Supervisor) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.tasks {
		if e.info.State == StateCompleted || e.info.State == StateFailed {
			delete(s.tasks, key)
			n++
		}
	}
	return n
}

// Shutdown cancels everything and waits for the workers to drain.
func (s *Supervisor) Shutdown() {
	s.stop()
	s.wg.Wait()
}
