// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sched exposes the dependency-tracking task graph that orders all
// tile operations.
//
// # Overview
//
// Every asynchronous tensor operation is submitted to a Graph as a task with
// explicit read and write sets of tiles. The graph sequences tasks that touch
// the same tile (read-after-write, write-after-read and write-after-write)
// and runs independent tasks concurrently on a worker pool.
//
// # Basic Usage
//
//	g := sched.New(sched.Config{Workers: 8})
//	defer g.Shutdown()
//
//	// ... submit work through the tensor and nn packages ...
//
//	if err := g.WaitAll(); err != nil {
//	    var terr *sched.TaskError
//	    if errors.As(err, &terr) {
//	        log.Printf("task %s on tile %d failed: %v", terr.Op, terr.Tile, terr.Err)
//	    }
//	}
//
// After a task fails the graph rejects new submissions until Ack is called;
// WaitAll keeps returning the first failure until then.
package sched

import "github.com/tilegrid-ml/tilegrid/internal/sched"

// Tag identifies one submitted task. Tags increase monotonically per graph.
type Tag = sched.Tag

// TileRef names one tile of one registered tensor.
type TileRef = sched.TileRef

// Config configures a Graph.
type Config = sched.Config

// Graph tracks tile dependencies and dispatches ready tasks to an executor.
type Graph = sched.Graph

// Executor runs ready task bodies.
type Executor = sched.Executor

// LocalExecutor runs tasks on a fixed pool of in-process workers.
type LocalExecutor = sched.LocalExecutor

// TaskError reports the failure of one task.
type TaskError = sched.TaskError

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config { return sched.DefaultConfig() }

// New builds a graph backed by a LocalExecutor.
func New(cfg Config) *Graph { return sched.New(cfg) }

// NewWithExecutor builds a graph on a caller-provided executor.
func NewWithExecutor(cfg Config, exec Executor) *Graph {
	return sched.NewWithExecutor(cfg, exec)
}

// NewLocalExecutor builds an executor with the given number of workers.
func NewLocalExecutor(workers int) *LocalExecutor {
	return sched.NewLocalExecutor(workers)
}
