// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"context"
	"sync"

	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/task"
	"golang.org/x/sync/errgroup"
)

// Mode distinguishes the two participant deployments. Ordinary builds spin
// up fresh workers per build and embed the table definition in shared
// state; replay builds borrow members of a long-lived pool and push the
// definition to them as a message.
type Mode int

const (
	ModeOrdinary Mode = iota
	ModeReplay
)

func (m Mode) String() string {
	if m == ModeReplay {
		return "replay"
	}
	return "ordinary"
}

// WorkerFunc is one participant's body. workerNum is the participant's slot;
// tableMsg is the pushed table definition in replay mode, nil otherwise.
type WorkerFunc func(workerNum int, tableMsg []byte) error

// Launcher abstracts participant deployment so the coordinator protocol is
// identical in both modes. Launch starts up to n participants and returns
// how many actually started; fewer than requested is not an error, zero
// means the build degrades to serial per the launcher's mode. WaitFinished
// blocks until every launched participant returned.
type Launcher interface {
	Mode() Mode
	Launch(ctx context.Context, n int, tableMsg []byte, fn WorkerFunc) (int, error)
	WaitFinished() error
}

// ProcessPoolLauncher runs each participant on a fresh goroutine, the
// ordinary per-build deployment.
type ProcessPoolLauncher struct {
	// Available caps how many participants can actually start, modeling a
	// deployment with fewer free worker slots than the build requested.
	// Zero means no cap.
	Available int

	g *errgroup.Group
}

// NewProcessPoolLauncher returns an ordinary launcher with no slot cap.
func NewProcessPoolLauncher() *ProcessPoolLauncher {
	return &ProcessPoolLauncher{}
}

func (l *ProcessPoolLauncher) Mode() Mode { return ModeOrdinary }

func (l *ProcessPoolLauncher) Launch(ctx context.Context, n int, tableMsg []byte, fn WorkerFunc) (int, error) {
	if l.g != nil {
		return 0, errors.New(errors.ErrUncoded, "launcher already running a build")
	}
	if l.Available > 0 && n > l.Available {
		n = l.Available
	}
	g, _ := errgroup.WithContext(ctx)
	l.g = g
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(i, nil)
		})
	}
	return n, nil
}

func (l *ProcessPoolLauncher) WaitFinished() error {
	if l.g == nil {
		return nil
	}
	err := l.g.Wait()
	l.g = nil
	return err
}

// ReplayPoolLauncher hands participants to a long-lived worker pool instead
// of starting fresh ones. The pool outlives any one build; members receive
// the serialized table definition as their work message.
type ReplayPoolLauncher struct {
	pool *task.Pool

	mu   sync.Mutex
	errs []error
	wg   sync.WaitGroup
}

// NewReplayPoolLauncher returns a launcher over the given pool.
func NewReplayPoolLauncher(pool *task.Pool) *ReplayPoolLauncher {
	return &ReplayPoolLauncher{pool: pool}
}

func (l *ReplayPoolLauncher) Mode() Mode { return ModeReplay }

func (l *ReplayPoolLauncher) Launch(ctx context.Context, n int, tableMsg []byte, fn WorkerFunc) (int, error) {
	if size := l.pool.Size(); n > size {
		n = size
	}
	launched := 0
	for i := 0; i < n; i++ {
		i := i
		l.wg.Add(1)
		ok := l.pool.Submit(func() {
			defer l.wg.Done()
			if err := fn(i, tableMsg); err != nil {
				l.mu.Lock()
				l.errs = append(l.errs, err)
				l.mu.Unlock()
			}
		})
		if !ok {
			l.wg.Done()
			break
		}
		launched++
	}
	return launched, nil
}

func (l *ReplayPoolLauncher) WaitFinished() error {
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if len(l.errs) > 0 {
		err = l.errs[0]
	}
	l.errs = nil
	return err
}
