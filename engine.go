// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package burrow is an embedded table storage layer with bulk index builds.
// The Engine ties together the catalog, the row store, the tree files, and
// the build machinery; the index lifecycle operations live in index.go.
package burrow

import (
	"path/filepath"
	"sync"

	"github.com/burrowdb/burrow/build"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/logger"
	"github.com/burrowdb/burrow/tabledata"
	"github.com/burrowdb/burrow/tuple"
)

// Config configures an Engine.
type Config struct {
	// Dir is the data directory: catalog, row store, and tree files all
	// live under it.
	Dir string

	Log logger.Logger

	// WorkMem is the per-build sort budget in bytes.
	WorkMem int

	// SharedMemLimit bounds parallel-build shared state; zero means no
	// limit.
	SharedMemLimit int

	Policy build.ParallelPolicy

	// Launcher deploys build participants. Defaults to the ordinary
	// per-build launcher; replay deployments pass a pool-backed one.
	Launcher build.Launcher
}

// Engine is one open storage layer instance.
type Engine struct {
	Catalog *catalog.Store
	Data    *tabledata.Store
	Txn     *catalog.TxnManager
	TreeDir string
	Log     logger.Logger

	// commitLock is the catalog commit lock. Builds hold it shared from
	// tree-file header write through the catalog update.
	commitLock sync.RWMutex

	env *build.Env
}

// NewEngine opens the storage layer under cfg.Dir.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, errors.New(errors.ErrValidation, "engine requires a data directory")
	}
	log := cfg.Log
	if log == nil {
		log = logger.NopLogger
	}
	if cfg.WorkMem <= 0 {
		cfg.WorkMem = 8 << 20
	}
	if cfg.Policy == (build.ParallelPolicy{}) {
		cfg.Policy = build.DefaultParallelPolicy
	}
	if cfg.Launcher == nil {
		cfg.Launcher = build.NewProcessPoolLauncher()
	}

	cat, err := catalog.OpenStore(filepath.Join(cfg.Dir, "catalog.db"), log)
	if err != nil {
		return nil, err
	}
	data, err := tabledata.OpenStore(filepath.Join(cfg.Dir, "rows.db"), log)
	if err != nil {
		cat.Close()
		return nil, err
	}

	e := &Engine{
		Catalog: cat,
		Data:    data,
		Txn:     catalog.NewTxnManager(0, 0),
		TreeDir: filepath.Join(cfg.Dir, "trees"),
		Log:     log,
	}
	e.env = &build.Env{
		Data:           data,
		TreeDir:        e.TreeDir,
		Log:            log,
		WorkMem:        cfg.WorkMem,
		SharedMemLimit: cfg.SharedMemLimit,
		Policy:         cfg.Policy,
		Launcher:       cfg.Launcher,
		CommitLock:     &e.commitLock,
	}
	return e, nil
}

// Close releases the engine's stores.
func (e *Engine) Close() error {
	err := e.Catalog.Close()
	if derr := e.Data.Close(); err == nil {
		err = derr
	}
	return err
}

// BuildEnv exposes the build environment, mainly for tests and tooling.
func (e *Engine) BuildEnv() *build.Env {
	return e.env
}

// CreateTable registers a new table, assigning storage identities to every
// node that lacks one, and logs the created nodes for rollback.
func (e *Engine) CreateTable(t *catalog.Table) error {
	if len(t.Fields) == 0 {
		return errors.Newf(errors.ErrValidation, "table %q has no fields", t.Name)
	}
	if t.HasPrimary && (len(t.Indexes) == 0 || t.Indexes[0].Kind != catalog.IndexPrimary) {
		return errors.Newf(errors.ErrValidation,
			"table %q declares a primary key but index 0 is not primary", t.Name)
	}
	if t.IDs.Storage == (catalog.StorageID{}) {
		t.IDs.Storage = catalog.NewStorageID()
	}
	for i := range t.Indexes {
		if t.Indexes[i].IDs.Storage == (catalog.StorageID{}) {
			t.Indexes[i].IDs.DB = t.IDs.DB
			t.Indexes[i].IDs.Storage = catalog.NewStorageID()
		}
	}
	if t.ToastStorage == (catalog.StorageID{}) {
		t.ToastStorage = catalog.NewStorageID()
	}
	if _, err := catalog.FillTmpDescr(t); err != nil {
		return err
	}

	oxid, csn := e.Txn.Current()
	if err := e.Catalog.Add(t, oxid, csn); err != nil {
		return err
	}
	return e.Catalog.RecordCreateNodes(t.IDs, t.IndexIDs(), oxid, csn)
}

// InsertRows appends rows to the table's data storage and returns the last
// assigned row identifier.
func (e *Engine) InsertRows(ids catalog.RelIDs, rows []tuple.Row) (uint64, error) {
	t, err := e.Catalog.Get(ids)
	if err != nil {
		return 0, err
	}
	return e.Data.Insert(t.DataStorage().Storage, rows)
}
