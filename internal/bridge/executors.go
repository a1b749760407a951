package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
)

type RunnerOptions struct {
	Coordinator *Coordinator
	Engine      *Engine
	Store       *Store
	Logger      *slog.Logger

	// BrandClient and Brands drive discovery of cases opened natively on
	// the cloud side. Discovery is off when either is empty.
	BrandClient platform.CloudClient
	Brands      []string

	ExternalWorkers  int
	ScheduledWorkers int

	PollInterval      time.Duration
	SyncInterval      time.Duration
	DiscoveryInterval time.Duration
	ActivityInterval  time.Duration

	Enabled bool
}

// Runner drives the coordinator: two permit-bounded pools for external and
// scheduled syncs, the scheduled re-arm loop, and the two cloud scanners.
// Instant syncs run unpooled but still hold the per-ticket lease.
type Runner struct {
	coord  *Coordinator
	engine *Engine
	store  *Store
	logger *slog.Logger

	brandClient platform.CloudClient
	brands      []string

	externalPermits  chan struct{}
	scheduledPermits chan struct{}

	pollInterval      time.Duration
	syncInterval      time.Duration
	discoveryInterval time.Duration
	activityInterval  time.Duration

	enabled atomic.Bool

	runCtx  context.Context
	runOnce sync.Once
}

func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	external := opts.ExternalWorkers
	if external <= 0 {
		external = 4
	}
	scheduled := opts.ScheduledWorkers
	if scheduled <= 0 {
		scheduled = 2
	}
	r := &Runner{
		coord:             opts.Coordinator,
		engine:            opts.Engine,
		store:             opts.Store,
		logger:            logger,
		brandClient:       opts.BrandClient,
		brands:            opts.Brands,
		externalPermits:   make(chan struct{}, external),
		scheduledPermits:  make(chan struct{}, scheduled),
		pollInterval:      defaultInterval(opts.PollInterval, 500*time.Millisecond),
		syncInterval:      defaultInterval(opts.SyncInterval, time.Minute),
		discoveryInterval: defaultInterval(opts.DiscoveryInterval, 2*time.Minute),
		activityInterval:  defaultInterval(opts.ActivityInterval, time.Minute),
	}
	r.enabled.Store(opts.Enabled)
	return r
}

func defaultInterval(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Run blocks until ctx is done, then drains every active sync before
// returning.
func (r *Runner) Run(ctx context.Context) {
	r.runOnce.Do(func() { r.runCtx = ctx })

	var wg sync.WaitGroup
	loops := []func(context.Context){
		r.externalLoop,
		r.scheduledLoop,
		r.rearmLoop,
		r.discoveryLoop,
		r.activityLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	<-ctx.Done()
	r.coord.StopAll()
	wg.Wait()
}

// Enabled reports the global sync switch.
func (r *Runner) Enabled() bool {
	return r.enabled.Load()
}

// SetEnabled flips the global sync switch. Disabling cancels all active
// syncs and waits for them to drain; the loops idle until re-enabled.
func (r *Runner) SetEnabled(enabled bool) {
	previous := r.enabled.Swap(enabled)
	if previous && !enabled {
		r.logger.Info("synchronization disabled, draining active syncs")
		r.coord.StopAll()
	}
	if !previous && enabled {
		r.logger.Info("synchronization enabled")
	}
}

// RequestSync queues an external trigger for the ticket.
func (r *Runner) RequestSync(ticketID string, trigger TriggerKind) error {
	if !r.enabled.Load() {
		return ErrSyncDisabled
	}
	r.coord.RequestExternal(ticketID, trigger)
	return nil
}

// TriggerInstant starts an unpooled sync right away, used just after a
// ticket is created on either side. ErrTicketBusy when one is in flight.
func (r *Runner) TriggerInstant(ticketID string) error {
	if !r.enabled.Load() {
		return ErrSyncDisabled
	}
	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	lease, err := r.coord.TryInstant(ctx, ticketID)
	if err != nil {
		return err
	}
	go r.runLease(lease, nil)
	return nil
}

func (r *Runner) externalLoop(ctx context.Context) {
	r.dequeueLoop(ctx, r.externalPermits, r.coord.NextExternal)
}

func (r *Runner) scheduledLoop(ctx context.Context) {
	r.dequeueLoop(ctx, r.scheduledPermits, r.coord.NextScheduled)
}

func (r *Runner) dequeueLoop(ctx context.Context, permits chan struct{}, next func(context.Context) (*Lease, bool)) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.enabled.Load() {
			continue
		}
		for {
			select {
			case permits <- struct{}{}:
			case <-ctx.Done():
				return
			}
			lease, ok := next(ctx)
			if !ok {
				<-permits
				break
			}
			go r.runLease(lease, permits)
		}
	}
}

// runLease runs one sync cycle and releases the permit and lease whatever
// the outcome.
func (r *Runner) runLease(lease *Lease, permits chan struct{}) {
	defer func() {
		lease.Release()
		if permits != nil {
			<-permits
		}
	}()
	err := r.engine.SyncTicket(lease.Ctx, lease.Request)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("sync cycle failed",
			"ticket", lease.Request.TicketID,
			"trigger", lease.Request.Trigger.String(),
			"error", err)
	}
}

// rearmLoop feeds every monitored ticket back into the scheduled queue each
// sync interval. Tickets dropped by the conflict policy are recovered here.
func (r *Runner) rearmLoop(ctx context.Context) {
	ticker := time.NewTicker(r.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.enabled.Load() {
			continue
		}
		for _, ticketID := range r.store.Monitored() {
			r.coord.RequestScheduled(ticketID)
		}
	}
}

// discoveryLoop scans each configured brand for cases created after the
// brand watermark and adopts the unlinked ones.
func (r *Runner) discoveryLoop(ctx context.Context) {
	if r.brandClient == nil || len(r.brands) == 0 {
		return
	}
	ticker := time.NewTicker(r.discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.enabled.Load() {
			continue
		}
		for _, brand := range r.brands {
			r.discoverBrand(ctx, brand)
		}
	}
}

func (r *Runner) discoverBrand(ctx context.Context, brand string) {
	after := r.store.BrandWatermark(brand)
	cases, err := r.brandClient.ListCasesCreatedAfter(ctx, brand, after)
	if err != nil {
		r.logger.Error("brand discovery failed", "brand", brand, "error", err)
		return
	}
	for _, c := range cases {
		if _, linked := r.store.TicketForCase(c.ID); !linked {
			ticketID, err := r.engine.AdoptCloudCase(ctx, c)
			if err != nil {
				r.logger.Error("case adoption failed", "case", c.ID, "error", err)
				continue
			}
			if err := r.TriggerInstant(ticketID); err != nil && !errors.Is(err, ErrTicketBusy) {
				r.logger.Warn("instant sync after adoption not started", "ticket", ticketID, "error", err)
			}
		}
		r.store.SetBrandWatermark(brand, c.CreatedAt)
	}
}

// activityLoop compares each monitored ticket's cloud activity against its
// watermarks and queues an auto sync when something new appeared.
func (r *Runner) activityLoop(ctx context.Context) {
	ticker := time.NewTicker(r.activityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.enabled.Load() {
			continue
		}
		for _, ticketID := range r.store.Monitored() {
			meta, ok := r.store.Get(ticketID)
			if !ok {
				continue
			}
			fresh, err := r.engine.CheckActivity(ctx, meta)
			if err != nil {
				r.logger.Warn("activity check failed", "ticket", ticketID, "error", err)
				continue
			}
			if fresh {
				r.coord.RequestExternal(ticketID, TriggerAuto)
			}
		}
	}
}
