// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/burrowdb/burrow/task"
	"github.com/stretchr/testify/assert"
)

type recordingStats struct {
	mu  sync.Mutex
	max int
}

func (r *recordingStats) PoolSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.max {
		r.max = n
	}
}

func TestPoolRunsAllJobs(t *testing.T) {
	stats := &recordingStats{}
	p := task.NewPool(4, stats)

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		})
		assert.True(t, ok)
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int64(100), atomic.LoadInt64(&ran))
	assert.Equal(t, 4, stats.max)
	assert.Equal(t, 4, p.Size())
}

func TestPoolZeroSizeAcceptsNothing(t *testing.T) {
	p := task.NewPool(0, nil)
	ok := p.Submit(func() { t.Fatal("job should not run") })
	assert.False(t, ok)
	p.Close()
}

func TestPoolCloseWaitsForMembers(t *testing.T) {
	p := task.NewPool(2, nil)
	var done int64
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		p.Submit(func() {
			wg.Done()
			atomic.AddInt64(&done, 1)
		})
	}
	wg.Wait()
	p.Close()
	assert.Equal(t, int64(2), atomic.LoadInt64(&done))
}
