// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"sync"
	"sync/atomic"
)

// Job is one unit of work handed to a pool member.
type Job func()

// Pool is a fixed-size pool of long-lived workers. Jobs are dispatched to
// members over an internal queue; each member runs jobs in a loop until the
// pool is closed. Members are deliberately not spawned per job: during log
// replay the pool is created once and reused for every bulk operation.
type Pool struct {
	mu    sync.Mutex // locker used for cond
	cond  *sync.Cond // notify of exiting workers
	jobs  chan Job
	live  int32 // currently active members
	size  int
	stats PoolStats

	closeOnce sync.Once
}

type PoolStats interface {
	PoolSize(int) // reports current pool size
}

// NewPool creates a pool with size long-lived members. It updates stats with
// the current size of the pool when that changes. A size of zero yields a
// pool that accepts no jobs, which callers treat as "no participants
// available".
func NewPool(size int, stats PoolStats) *Pool {
	p := &Pool{
		jobs:  make(chan Job, size),
		size:  size,
		stats: stats,
	}
	p.cond = sync.NewCond(&p.mu)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < size; i++ {
		p.addMember()
	}
	return p
}

// Size reports the number of members the pool was created with.
func (p *Pool) Size() int {
	return p.size
}

// Submit queues one job for execution by some member. It reports whether the
// job was accepted; a zero-size pool accepts nothing.
func (p *Pool) Submit(job Job) bool {
	if p.size == 0 {
		return false
	}
	p.jobs <- job
	return true
}

// Close stops accepting jobs and waits for all members to finish their
// current job and exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })

	// p.cond.Wait() releases the lock and reacquires it when the wait
	// succeeds, so nothing that uses the lock can trigger between our read
	// of live and our wait on the condition variable.
	p.mu.Lock()
	defer p.mu.Unlock()
	live := atomic.LoadInt32(&p.live)
	for live > 0 {
		p.cond.Wait()
		live = atomic.LoadInt32(&p.live)
	}
}

func (p *Pool) addMember() {
	live := atomic.AddInt32(&p.live, 1)
	if p.stats != nil {
		p.stats.PoolSize(int(live))
	}
	go p.work()
}

// work runs queued jobs until the job queue is closed.
func (p *Pool) work() {
	defer func() {
		// The lock prevents our modification of p.live from happening
		// between the read of p.live and the wait on the condition
		// variable in p.Close; otherwise the final broadcast could land
		// before Close starts waiting and the wait would never end.
		p.mu.Lock()
		defer p.mu.Unlock()
		live := atomic.AddInt32(&p.live, -1)
		if p.stats != nil {
			p.stats.PoolSize(int(live))
		}
		if live == 0 {
			p.cond.Broadcast()
		}
	}()
	for job := range p.jobs {
		job()
	}
}
