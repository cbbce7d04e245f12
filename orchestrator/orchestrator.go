// Package orchestrator dispatches flow jobs across a fleet of worker
// machines. It is deliberately in-memory; host applications persist
// what they need through storage.
package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle of a dispatched job.
type JobStatus string

const (
	StatusQueued   JobStatus = "QUEUED"
	StatusAssigned JobStatus = "ASSIGNED"
	StatusRunning  JobStatus = "RUNNING"
	StatusDone     JobStatus = "DONE"
	StatusFailed   JobStatus = "FAILED"
	StatusStopped  JobStatus = "STOPPED"
)

// Job is one unit of dispatch: a flow name plus inputs bound for a worker.
type Job struct {
	ID        uuid.UUID      `json:"id"`
	FlowName  string         `json:"flowName"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Worker    string         `json:"worker,omitempty"`
	Status    JobStatus      `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Orchestrator tracks jobs under a single mutex.
type Orchestrator struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func New() *Orchestrator {
	return &Orchestrator{jobs: map[uuid.UUID]*Job{}}
}

// Submit queues a flow for dispatch and returns its job id.
func (o *Orchestrator) Submit(flowName string, inputs map[string]any) uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	j := &Job{
		ID:        uuid.New(),
		FlowName:  flowName,
		Inputs:    inputs,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.jobs[j.ID] = j
	return j.ID
}

// Assign hands the oldest queued job to a worker, or reports none left.
func (o *Orchestrator) Assign(worker string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var oldest *Job
	for _, j := range o.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, false
	}
	oldest.Worker = worker
	oldest.Status = StatusAssigned
	oldest.UpdatedAt = time.Now()
	cp := *oldest
	return &cp, true
}

// UpdateStatus records a worker's progress on a job.
func (o *Orchestrator) UpdateStatus(id uuid.UUID, status JobStatus, jobErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	j.Status = status
	j.Error = jobErr
	j.UpdatedAt = time.Now()
	return nil
}

// Stop marks a job stopped; workers observe this between steps.
func (o *Orchestrator) Stop(id uuid.UUID) error {
	return o.UpdateStatus(id, StatusStopped, "")
}

// Rerun clones a finished job back into the queue and returns the new id.
func (o *Orchestrator) Rerun(id uuid.UUID) (uuid.UUID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown job %s", id)
	}
	now := time.Now()
	clone := &Job{
		ID:        uuid.New(),
		FlowName:  j.FlowName,
		Inputs:    j.Inputs,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.jobs[clone.ID] = clone
	return clone.ID, nil
}

// State returns all jobs, oldest first.
func (o *Orchestrator) State() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Get returns one job by id.
func (o *Orchestrator) Get(id uuid.UUID) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}
