package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/metrics"
	"github.com/onexay/hgrev/internal/types"
)

// DefaultDoNotScan lists branches the daemon never crawls.
var DefaultDoNotScan = []string{"try"}

type revisionFinder interface {
	Find(ctx context.Context, id string) []types.Revision
}

// DaemonOptions configures a Daemon.
type DaemonOptions struct {
	Queue     *Queue
	Resolver  revisionResolver
	Finder    revisionFinder
	DoNotScan []string
	Logger    logr.Logger
}

// Daemon drains the discovery queue, resolving every queued revision and
// searching the landing branches for the ones that could not be resolved.
type Daemon struct {
	queue     *Queue
	resolver  revisionResolver
	finder    revisionFinder
	doNotScan map[string]struct{}
	logger    logr.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaemon creates a Daemon.
func NewDaemon(opts DaemonOptions) *Daemon {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.DoNotScan == nil {
		opts.DoNotScan = DefaultDoNotScan
	}
	skip := make(map[string]struct{}, len(opts.DoNotScan))
	for _, name := range opts.DoNotScan {
		skip[strings.ToLower(name)] = struct{}{}
	}
	return &Daemon{
		queue:     opts.Queue,
		resolver:  opts.Resolver,
		finder:    opts.Finder,
		doNotScan: skip,
		logger:    opts.Logger.WithName("daemon"),
	}
}

// Run processes tasks until ctx is cancelled. Failures are logged per
// revision and never stop the loop.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("discovery daemon started")
	defer d.logger.Info("discovery daemon stopped")

	for {
		task, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if _, skip := d.doNotScan[strings.ToLower(task.Branch.Name)]; skip {
			continue
		}
		if !d.process(ctx, task) {
			return nil
		}
	}
}

// process handles one task and reports whether the daemon should continue.
func (d *Daemon) process(ctx context.Context, task types.Task) bool {
	seen := make(map[string]struct{}, len(task.Revisions))
	var unresolved []string
	for _, id := range task.Revisions {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if ctx.Err() != nil {
			return false
		}

		d.logger.V(1).Info("scanning", "branch", task.Branch.Name, "changeset", types.Short(id))
		rev, err := d.resolver.Resolve(ctx, types.RevisionRequest{Branch: task.Branch, ChangesetID: id})
		switch {
		case err != nil:
			d.logger.Error(err, "failed to resolve revision", "branch", task.Branch.Name, "changeset", id)
			metrics.DaemonProcessed.WithLabelValues(metrics.OutcomeFailure).Inc()
			unresolved = append(unresolved, id)
		case rev == nil:
			metrics.DaemonProcessed.WithLabelValues(metrics.OutcomeNotFound).Inc()
			unresolved = append(unresolved, id)
		default:
			metrics.DaemonProcessed.WithLabelValues(metrics.OutcomeSuccess).Inc()
		}
	}

	for _, id := range unresolved {
		if ctx.Err() != nil {
			return false
		}
		d.finder.Find(ctx, id)
	}
	return true
}

// Start runs the daemon in a background goroutine. Calling Start on a running
// daemon does nothing.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			d.logger.Error(err, "discovery daemon exited")
		}
	}()
}

// Stop cancels a started daemon and waits for it to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
