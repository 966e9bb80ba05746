// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package build

// ParallelPolicy decides how many workers a build requests from its
// launcher. Zero workers means a serial build.
type ParallelPolicy struct {
	// MaxWorkers caps the request; zero disables parallel builds.
	MaxWorkers int

	// MinRowsPerWorker is how much table each worker must be worth. Small
	// tables build serially no matter the cap.
	MinRowsPerWorker int64
}

// DefaultParallelPolicy mirrors a modest per-operation worker budget.
var DefaultParallelPolicy = ParallelPolicy{
	MaxWorkers:       3,
	MinRowsPerWorker: 1024,
}

// Workers returns the number of workers to request for a table of the
// given row count.
func (p ParallelPolicy) Workers(rows int64) int {
	if p.MaxWorkers <= 0 || p.MinRowsPerWorker <= 0 {
		return 0
	}
	n := int(rows / p.MinRowsPerWorker)
	if n > p.MaxWorkers {
		n = p.MaxWorkers
	}
	if n < 0 {
		n = 0
	}
	return n
}
