// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/burrowdb/burrow/build"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/objstore"
	toml "github.com/pelletier/go-toml"
)

// config is the tool's configuration, from flags layered over an optional
// TOML file. Flag values win over file values.
type config struct {
	ConfigPath string `toml:"-"`
	Verbose    bool   `toml:"verbose"`

	Dir            string `toml:"dir"`
	WorkMem        int    `toml:"work-mem"`
	SharedMemLimit int    `toml:"shared-mem-limit"`

	Parallel struct {
		MaxWorkers       int   `toml:"max-workers"`
		MinRowsPerWorker int64 `toml:"min-rows-per-worker"`
	} `toml:"parallel"`

	ObjStore struct {
		Host      string `toml:"host"`
		Region    string `toml:"region"`
		AccessKey string `toml:"access-key"`
		SecretKey string `toml:"secret-key"`
	} `toml:"objstore"`
}

func newConfig() *config {
	c := &config{Dir: "."}
	c.Parallel.MaxWorkers = build.DefaultParallelPolicy.MaxWorkers
	c.Parallel.MinRowsPerWorker = build.DefaultParallelPolicy.MinRowsPerWorker
	return c
}

// load merges the TOML file under the current flag values.
func (c *config) load() error {
	if c.ConfigPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", c.ConfigPath)
	}
	file := newConfig()
	if err := toml.Unmarshal(data, file); err != nil {
		return errors.Wrapf(err, "parsing config %s", c.ConfigPath)
	}
	// Only fill in what flags did not set.
	if c.Dir == "." {
		c.Dir = file.Dir
	}
	if c.WorkMem == 0 {
		c.WorkMem = file.WorkMem
	}
	if c.SharedMemLimit == 0 {
		c.SharedMemLimit = file.SharedMemLimit
	}
	c.Parallel = file.Parallel
	c.ObjStore = file.ObjStore
	if !c.Verbose {
		c.Verbose = file.Verbose
	}
	return nil
}

func (c *config) objstore() objstore.Config {
	return objstore.Config{
		Host:      c.ObjStore.Host,
		Region:    c.ObjStore.Region,
		AccessKey: c.ObjStore.AccessKey,
		SecretKey: c.ObjStore.SecretKey,
	}
}

func (c *config) policy() build.ParallelPolicy {
	return build.ParallelPolicy{
		MaxWorkers:       c.Parallel.MaxWorkers,
		MinRowsPerWorker: c.Parallel.MinRowsPerWorker,
	}
}
