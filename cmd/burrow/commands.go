// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package main

import (
	burrow "github.com/burrowdb/burrow"
	"github.com/burrowdb/burrow/btree"
	"github.com/burrowdb/burrow/build"
	"github.com/burrowdb/burrow/catalog"
	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/logger"
	"github.com/burrowdb/burrow/objstore"
	"github.com/spf13/cobra"
)

func openEngine(conf *config, log logger.Logger) (*burrow.Engine, error) {
	return burrow.NewEngine(burrow.Config{
		Dir:            conf.Dir,
		Log:            log,
		WorkMem:        conf.WorkMem,
		SharedMemLimit: conf.SharedMemLimit,
		Policy:         conf.policy(),
		Launcher:       build.NewProcessPoolLauncher(),
	})
}

func newCreateIndexCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var (
		db, rel, indexRel          uint32
		name, predicate            string
		unique, primary, skipBuild bool
		fields                     []string
	)
	cmd := &cobra.Command{
		Use:   "create-index",
		Short: "Build a new index from existing table data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			stmt := burrow.IndexStatement{
				TableIDs:  catalog.RelIDs{DB: db, Rel: rel},
				IndexRel:  indexRel,
				Name:      name,
				Primary:   primary,
				Unique:    unique,
				Predicate: predicate,
				SkipBuild: skipBuild,
			}
			for _, f := range fields {
				stmt.Fields = append(stmt.Fields, catalog.IndexField{Name: f})
			}
			return e.DefineIndex(cmd.Context(), stmt)
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	cmd.Flags().Uint32Var(&indexRel, "index-rel", 0, "Relation id for the new index.")
	cmd.Flags().StringVar(&name, "name", "", "Index name (derived when empty).")
	cmd.Flags().StringSliceVar(&fields, "field", nil, "Indexed field, repeatable.")
	cmd.Flags().StringVar(&predicate, "predicate", "", "Partial-index predicate expression.")
	cmd.Flags().BoolVar(&unique, "unique", false, "Enforce uniqueness.")
	cmd.Flags().BoolVar(&primary, "primary", false, "Create as the primary key (rewrites the table).")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Register the index without building its tree.")
	return cmd
}

func newDropIndexCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var (
		db, rel uint32
		name    string
	)
	cmd := &cobra.Command{
		Use:   "drop-index",
		Short: "Drop an index by name.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.DropIndex(cmd.Context(), catalog.RelIDs{DB: db, Rel: rel}, name)
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	cmd.Flags().StringVar(&name, "name", "", "Index name.")
	return cmd
}

func newReindexCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var (
		db, rel uint32
		name    string
	)
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild an index from table data under a fresh storage node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Reindex(cmd.Context(), catalog.RelIDs{DB: db, Rel: rel}, name)
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	cmd.Flags().StringVar(&name, "name", "", "Index name.")
	return cmd
}

func newRebuildTableCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var db, rel uint32
	cmd := &cobra.Command{
		Use:   "rebuild-table",
		Short: "Rewrite a table and every one of its trees.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.RebuildTable(cmd.Context(), catalog.RelIDs{DB: db, Rel: rel})
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	return cmd
}

// indexTreePath resolves the tree file backing the named index of a table.
func indexTreePath(e *burrow.Engine, ids catalog.RelIDs, name string) (string, string, error) {
	t, err := e.Catalog.Get(ids)
	if err != nil {
		return "", "", err
	}
	ix := burrow.FindIndexByName(t, name)
	if ix < 0 {
		return "", "", errors.Newf(errors.ErrIndexNotFound,
			"index %q does not exist on table (%d, %d)", name, ids.DB, ids.Rel)
	}
	idx := t.Indexes[ix].IDs
	return btree.TreePath(e.TreeDir, idx), idx.Storage.String(), nil
}

func newPushTreeCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var (
		db, rel      uint32
		name, prefix string
	)
	cmd := &cobra.Command{
		Use:   "push-tree",
		Short: "Upload a committed index tree file to the object store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			path, storage, err := indexTreePath(e, catalog.RelIDs{DB: db, Rel: rel}, name)
			if err != nil {
				return err
			}
			if prefix == "" {
				prefix = storage
			}
			c := objstore.NewClient(conf.objstore(), log())
			parts, err := c.PutTreeFile(prefix, path)
			if err != nil {
				return err
			}
			log().Printf("pushed %s: %d parts under %q", path, parts, prefix)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	cmd.Flags().StringVar(&name, "name", "", "Index name.")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object prefix (storage id when empty).")
	return cmd
}

func newPullTreeCommand(conf *config, log func() logger.Logger) *cobra.Command {
	var (
		db, rel      uint32
		name, prefix string
		parts        int
	)
	cmd := &cobra.Command{
		Use:   "pull-tree",
		Short: "Download an index tree file from the object store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(conf, log())
			if err != nil {
				return err
			}
			defer e.Close()
			path, storage, err := indexTreePath(e, catalog.RelIDs{DB: db, Rel: rel}, name)
			if err != nil {
				return err
			}
			if prefix == "" {
				prefix = storage
			}
			c := objstore.NewClient(conf.objstore(), log())
			if err := c.GetTreeFile(prefix, path, parts); err != nil {
				return err
			}
			log().Printf("pulled %s: %d parts from %q", path, parts, prefix)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&db, "db", 0, "Database id.")
	cmd.Flags().Uint32Var(&rel, "table", 0, "Table relation id.")
	cmd.Flags().StringVar(&name, "name", "", "Index name.")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object prefix (storage id when empty).")
	cmd.Flags().IntVar(&parts, "parts", 0, "Number of data parts to fetch.")
	return cmd
}
