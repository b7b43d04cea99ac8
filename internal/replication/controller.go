package replication

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// sourcesListPrefix is scanned in pages to discover siblings to notify.
	sourcesListPrefix = "Raven/Replication/Sources/"
	sourcesPageSize    = 128

	controllerWaitTimeout   = 30 * time.Second
	controllerTimerInterval = 5 * time.Minute
	stalePrefetcherAge      = 3 * time.Minute
)

// sourceDocument is the shape of one Raven/Replication/Sources/* record.
type sourceDocument struct {
	URL string `json:"Url"`
}

// managedPrefetcher pairs a Prefetcher with the bookkeeping the controller
// needs to decide when to dispose it (§3 lifecycles, §8 invariant 8).
type managedPrefetcher struct {
	prefetcher Prefetcher
}

// ReplicationController is the top-level control loop (§4.1): it resolves
// destinations, launches at most one DestinationWorker per destination under
// a single-flight guarantee, garbage-collects stale prefetchers, and shuts
// down cleanly.
type ReplicationController struct {
	store    Store
	resolver *DestinationResolver
	peer     *PeerClient
	ledger   *FailureLedger
	work     WorkContext
	clock    clockwork.Clock
	logger   *zap.Logger

	newPrefetcher func(url string) Prefetcher
	newWorker     func() *DestinationWorker

	scheduler gocron.Scheduler

	mu          sync.Mutex
	prefetchers map[string]*managedPrefetcher
	tokens      map[string]*int32

	attempts        int64
	warnedEmpty     atomic.Bool
	lastWakeWasWork atomic.Bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// ControllerDeps bundles the collaborators a ReplicationController needs, so
// the constructor argument list stays manageable as the component grows.
type ControllerDeps struct {
	Store         Store
	Resolver      *DestinationResolver
	Peer          *PeerClient
	Ledger        *FailureLedger
	Work          WorkContext
	Clock         clockwork.Clock
	Logger        *zap.Logger
	NewPrefetcher func(url string) Prefetcher
	NewWorker     func() *DestinationWorker
}

// NewReplicationController wires deps into a ready-to-Run controller.
func NewReplicationController(deps ControllerDeps) (*ReplicationController, error) {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &ReplicationController{
		store:         deps.Store,
		resolver:      deps.Resolver,
		peer:          deps.Peer,
		ledger:        deps.Ledger,
		work:          deps.Work,
		clock:         clock,
		logger:        deps.Logger.Named("controller"),
		newPrefetcher: deps.NewPrefetcher,
		newWorker:     deps.NewWorker,
		scheduler:     scheduler,
		prefetchers:   make(map[string]*managedPrefetcher),
		tokens:        make(map[string]*int32),
		stopCh:        make(chan struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or Shutdown is called. It performs the
// one-time notify_siblings dispatch, starts the gocron 5-minute forced-wake
// job (singleton mode — one run of the job never overlaps the next), then
// loops the main tick.
func (c *ReplicationController) Run(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.notifySiblings(ctx)
	}()

	_, err := c.scheduler.NewJob(
		gocron.DurationJob(controllerTimerInterval),
		gocron.NewTask(func() {
			if c.work != nil {
				c.work.NotifyAboutWork()
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	c.scheduler.Start()
	defer func() { _ = c.scheduler.Shutdown() }()

	for {
		select {
		case <-ctx.Done():
			c.joinAndDisposeAll()
			return ctx.Err()
		case <-c.stopCh:
			c.joinAndDisposeAll()
			return nil
		default:
		}

		woken := true
		if c.work != nil {
			woken = c.work.WaitForWork(ctx, controllerWaitTimeout, &c.attempts, "replication-controller")
		} else {
			c.clock.Sleep(controllerWaitTimeout)
		}
		c.lastWakeWasWork.Store(woken)

		if err := c.tick(ctx); err != nil {
			c.logger.Warn("tick failed", zap.Error(err))
		}
	}
}

// Shutdown requests the loop stop at the next iteration boundary; it does
// not itself block — callers should follow with a context cancellation or
// wait on Run's return.
func (c *ReplicationController) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// joinAndDisposeAll waits for every in-flight worker and disposes every
// remaining prefetcher — the controller's clean-shutdown contract (§4.1,
// §5: "Shutdown waits for all queued workers to complete before disposing
// prefetchers").
func (c *ReplicationController) joinAndDisposeAll() {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for url, mp := range c.prefetchers {
		mp.prefetcher.Dispose()
		delete(c.prefetchers, url)
	}
}

// tick runs one full iteration of steps 1-6 of §4.1.
func (c *ReplicationController) tick(ctx context.Context) error {
	strategies, err := c.resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	if len(strategies) == 0 {
		if !c.warnedEmpty.Swap(true) {
			c.logger.Warn("no replication destinations configured")
		}
		return nil
	}
	c.warnedEmpty.Store(false)

	attempt := atomic.AddInt64(&c.attempts, 1)

	// reconcilePrefetchers must see every configured destination, not just
	// the ones surviving this tick's throttle filter below — a destination
	// that's merely backed off still has its URL configured, and tearing
	// down its long-lived prefetcher on every throttled tick would defeat
	// the whole point of it being long-lived.
	c.reconcilePrefetchers(strategies)

	spawnCandidates := strategies
	if c.lastWakeWasWork.Load() {
		filtered := strategies[:0:0]
		for _, s := range strategies {
			if c.ledger.IsNotFailing(ctx, s.ID(), attempt) {
				filtered = append(filtered, s)
			}
		}
		spawnCandidates = filtered
	}

	var tickWG sync.WaitGroup
	spawned := make([]string, 0, len(spawnCandidates))

	for _, strategy := range spawnCandidates {
		if !c.acquireToken(strategy.ID()) {
			continue
		}

		prefetcher := c.getOrCreatePrefetcher(strategy.ID())
		spawned = append(spawned, strategy.ID())

		tickWG.Add(1)
		c.wg.Add(1)
		go func(strategy Strategy, prefetcher Prefetcher) {
			defer tickWG.Done()
			defer c.wg.Done()
			defer c.releaseToken(strategy.ID())

			worker := c.newWorker()
			result := worker.Run(ctx, strategy, prefetcher)
			if result.Ok() && c.work != nil {
				c.work.UpdateFoundWork()
			}
		}(strategy, prefetcher)
	}

	tickWG.Wait()

	for _, url := range spawned {
		stats := c.ledger.Stats(url)
		if mp := c.prefetcherFor(url); mp != nil {
			mp.prefetcher.CleanupDocuments(stats.LastReplicatedEtag)
		}
	}

	return nil
}

// acquireToken attempts the 0->1 single-flight CAS for url (§5).
func (c *ReplicationController) acquireToken(url string) bool {
	c.mu.Lock()
	token, ok := c.tokens[url]
	if !ok {
		var t int32
		token = &t
		c.tokens[url] = token
	}
	c.mu.Unlock()

	return atomic.CompareAndSwapInt32(token, 0, 1)
}

// releaseToken resets url's token to 0, guaranteed on every worker exit path.
func (c *ReplicationController) releaseToken(url string) {
	c.mu.Lock()
	token := c.tokens[url]
	c.mu.Unlock()
	if token != nil {
		atomic.StoreInt32(token, 0)
	}
}

// getOrCreatePrefetcher returns the long-lived Prefetcher for url, creating
// it via the factory on first use.
func (c *ReplicationController) getOrCreatePrefetcher(url string) Prefetcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	mp, ok := c.prefetchers[url]
	if !ok {
		mp = &managedPrefetcher{prefetcher: c.newPrefetcher(url)}
		c.prefetchers[url] = mp
	}
	return mp.prefetcher
}

func (c *ReplicationController) prefetcherFor(url string) *managedPrefetcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetchers[url]
}

// reconcilePrefetchers disposes prefetchers for URLs no longer present and
// those whose destination has been failing continuously for >= 3 minutes
// (§3 lifecycles, §8 invariant 8).
func (c *ReplicationController) reconcilePrefetchers(strategies []Strategy) {
	present := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		present[s.ID()] = struct{}{}
	}

	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for url, mp := range c.prefetchers {
		if _, ok := present[url]; !ok {
			mp.prefetcher.Dispose()
			delete(c.prefetchers, url)
			continue
		}

		stats := c.ledger.Stats(url)
		if stats.FirstFailureInCycleTS != nil && stats.LastFailureTS != nil {
			if now.Sub(*stats.FirstFailureInCycleTS) >= stalePrefetcherAge {
				mp.prefetcher.Dispose()
				delete(c.prefetchers, url)
			}
		}
	}
}

// notifySiblings discovers peers from configured destinations plus
// Raven/Replication/Sources/* records (scanned in pages of 128) and sends
// each an outbound heartbeat, best-effort (§4.1: "failures are logged and
// do not block startup").
func (c *ReplicationController) notifySiblings(ctx context.Context) {
	seen := make(map[string]struct{})

	if strategies, err := c.resolver.Resolve(ctx); err == nil {
		for _, s := range strategies {
			seen[s.Destination.URL] = struct{}{}
		}
	}

	token := ""
	for {
		docs, next, err := c.store.GetDocumentsWithIDStartingWith(ctx, sourcesListPrefix, 0, sourcesPageSize, token)
		if err != nil {
			c.logger.Warn("failed to scan replication sources", zap.Error(err))
			break
		}
		for _, doc := range docs {
			var src sourceDocument
			if err := json.Unmarshal(doc.Data, &src); err == nil && src.URL != "" {
				seen[src.URL] = struct{}{}
			}
		}
		if next == "" || len(docs) == 0 {
			break
		}
		token = next
	}

	for url := range seen {
		dest := Destination{URL: url}
		if err := c.peer.Heartbeat(ctx, dest); err != nil {
			c.logger.Info("sibling heartbeat failed", zap.String("url", url), zap.Error(err))
		}
	}
}
