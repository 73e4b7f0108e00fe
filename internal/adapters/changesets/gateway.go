package changesets

import (
	"context"
	"time"

	"transitreg/internal/core"

	"github.com/alitto/pond/v2"
)

// DefaultWorkers bounds concurrent background applies.
const DefaultWorkers = 4

// Applier commits a changeset. *core.Service satisfies it.
type Applier interface {
	ApplyChangeset(ctx context.Context, changesetID string) (core.ApplyResult, error)
}

// Gateway runs applies on a worker pool. Each changeset gets one cached job
// status; while it lives, further submissions return it instead of
// enqueuing another apply.
type Gateway struct {
	applier Applier
	cache   StatusCache
	pool    pond.Pool
	ttl     time.Duration
	clock   core.Clock
	logger  core.Logger
}

type gatewayOptions struct {
	workers int
	ttl     time.Duration
	clock   core.Clock
	logger  core.Logger
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *gatewayOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithStatusTTL sets how long statuses stay cached.
func WithStatusTTL(ttl time.Duration) Option {
	return func(o *gatewayOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time stamped on statuses.
func WithClock(clock core.Clock) Option {
	return func(o *gatewayOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a logger.
func WithLogger(logger core.Logger) Option {
	return func(o *gatewayOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewGateway starts a worker pool applying changesets through applier.
func NewGateway(applier Applier, cache StatusCache, opts ...Option) *Gateway {
	o := gatewayOptions{
		workers: DefaultWorkers,
		ttl:     DefaultStatusTTL,
		clock:   core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:  core.NewLogrusLogger(nil),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gateway{
		applier: applier,
		cache:   cache,
		pool:    pond.NewPool(o.workers),
		ttl:     o.ttl,
		clock:   o.clock,
		logger:  o.logger,
	}
}

// Submit enqueues an apply unless a status is already cached for the
// changeset, in which case that status is returned.
func (g *Gateway) Submit(ctx context.Context, changesetID string) (core.AsyncJobStatus, error) {
	pending := core.AsyncJobStatus{ChangesetID: changesetID, Status: core.JobPending, UpdatedAt: g.clock.Now()}
	won, err := g.cache.Reserve(ctx, changesetID, pending, g.ttl)
	if err != nil {
		return core.AsyncJobStatus{}, err
	}
	if !won {
		status, found, err := g.cache.Get(ctx, changesetID)
		if err != nil {
			return core.AsyncJobStatus{}, err
		}
		if found {
			return status, nil
		}
		// expired between Reserve and Get
		return g.Submit(ctx, changesetID)
	}
	g.logger.Info("apply job enqueued", "changeset_id", changesetID)
	g.pool.Submit(func() { g.run(changesetID) })
	return pending, nil
}

// Poll returns the cached status of a changeset's apply job.
func (g *Gateway) Poll(ctx context.Context, changesetID string) (core.AsyncJobStatus, bool, error) {
	return g.cache.Get(ctx, changesetID)
}

// SubmitOrPoll returns the cached status, submitting a job when there is none.
func (g *Gateway) SubmitOrPoll(ctx context.Context, changesetID string) (core.AsyncJobStatus, error) {
	status, found, err := g.Poll(ctx, changesetID)
	if err != nil {
		return core.AsyncJobStatus{}, err
	}
	if found {
		return status, nil
	}
	return g.Submit(ctx, changesetID)
}

// Stop waits for running jobs and shuts the pool down.
func (g *Gateway) Stop() {
	g.pool.StopAndWait()
}

func (g *Gateway) run(changesetID string) {
	ctx := context.Background()
	res, err := g.applier.ApplyChangeset(ctx, changesetID)
	status := core.StatusFromResult(changesetID, res, err, g.clock.Now())
	if err != nil {
		g.logger.Error("apply job failed", "changeset_id", changesetID, "error", err)
	} else {
		g.logger.Info("apply job finished", "changeset_id", changesetID, "status", string(status.Status))
	}
	if err := g.cache.Set(ctx, changesetID, status, g.ttl); err != nil {
		g.logger.Error("storing apply job status", "changeset_id", changesetID, "error", err)
	}
}
