package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"autosouq/internal/ratelimit"
	"autosouq/internal/util"
	"autosouq/pkg/domain"
	"autosouq/pkg/events"
	"autosouq/pkg/queue"
	"autosouq/pkg/refcache"
	"autosouq/pkg/storage"
	"autosouq/pkg/store"
	"autosouq/services/listing/internal/editor"
)

const (
	defaultSessionIdleTimeout = 30 * time.Minute
	defaultRevisionLimit      = 50
)

// Config holds runtime dependencies for the listing application.
type Config struct {
	Store      store.Store
	Objects    storage.ObjectStore
	References *refcache.Cache
	// Purge, Events and SubmitLimiter are optional.
	Purge         *queue.PurgeQueue
	Events        events.Publisher
	SubmitLimiter *ratelimit.FixedWindowLimiter

	Limits             editor.ImageLimits
	UploadConcurrency  int
	SessionIdleTimeout time.Duration
}

// App owns the open edit sessions and the collaborators they persist through.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	refs        *refcache.Cache
	purge       *queue.PurgeQueue
	events      events.Publisher
	limiter     *ratelimit.FixedWindowLimiter
	orch        *editor.Orchestrator
	limits      editor.ImageLimits
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*editor.Session
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	refs := cfg.References
	if refs == nil {
		var err error
		refs, err = refcache.New(refcache.Config{Source: cfg.Store})
		if err != nil {
			return nil, err
		}
	}
	orchCfg := editor.OrchestratorConfig{
		Listings:          cfg.Store,
		Images:            cfg.Store,
		Objects:           cfg.Objects,
		UploadConcurrency: cfg.UploadConcurrency,
	}
	if cfg.Purge != nil {
		orchCfg.Purge = cfg.Purge
	}
	orch, err := editor.NewOrchestrator(orchCfg)
	if err != nil {
		return nil, err
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	idle := cfg.SessionIdleTimeout
	if idle <= 0 {
		idle = defaultSessionIdleTimeout
	}
	return &App{
		store:       cfg.Store,
		objects:     cfg.Objects,
		refs:        refs,
		purge:       cfg.Purge,
		events:      publisher,
		limiter:     cfg.SubmitLimiter,
		orch:        orch,
		limits:      cfg.Limits,
		idleTimeout: idle,
		sessions:    make(map[string]*editor.Session),
	}, nil
}

// GetListing returns the canonical listing with relations and images.
func (a *App) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	listing, ok, err := a.store.GetListing(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, editor.ErrListingNotFound
	}
	return listing, nil
}

// ListRevisions returns the newest revisions of a listing the user may edit.
func (a *App) ListRevisions(ctx context.Context, user domain.User, listingID string, limit int) ([]domain.Revision, error) {
	listing, err := a.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !user.CanEdit(listing.OwnerID) {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > defaultRevisionLimit {
		limit = defaultRevisionLimit
	}
	return a.store.ListRevisions(ctx, listing.ID, limit)
}

// OpenSession starts editing a listing. currentCountryID seeds the country of
// listings that have none.
func (a *App) OpenSession(ctx context.Context, user domain.User, listingID, currentCountryID string) (editor.Snapshot, error) {
	listing, err := a.GetListing(ctx, listingID)
	if err != nil {
		return editor.Snapshot{}, err
	}
	if !user.CanEdit(listing.OwnerID) {
		return editor.Snapshot{}, ErrForbidden
	}
	sess := editor.Open(ctx, editor.Deps{
		References:   a.refs,
		Orchestrator: a.orch,
		Limits:       a.limits,
	}, listing, user, currentCountryID)

	a.mu.Lock()
	a.sessions[sess.ID()] = sess
	a.mu.Unlock()
	return sess.Snapshot(), nil
}

func (a *App) session(user domain.User, sid string) (*editor.Session, error) {
	a.mu.RLock()
	sess, ok := a.sessions[strings.TrimSpace(sid)]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Authorize(user) {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (a *App) Snapshot(user domain.User, sid string) (editor.Snapshot, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

func (a *App) ApplyPatch(ctx context.Context, user domain.User, sid string, patch editor.Patch) (editor.Snapshot, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Snapshot{}, err
	}
	return sess.ApplyPatch(ctx, patch)
}

func (a *App) AddImages(user domain.User, sid string, uploads []editor.Upload) (editor.Snapshot, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Snapshot{}, err
	}
	return sess.AddImages(uploads...)
}

func (a *App) RemoveImage(user domain.User, sid, ref string) (editor.Snapshot, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Snapshot{}, err
	}
	return sess.RemoveImage(ref)
}

func (a *App) SetPrimary(ctx context.Context, user domain.User, sid string, index int) (editor.Snapshot, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Snapshot{}, err
	}
	return sess.SetPrimary(ctx, index)
}

func (a *App) Preview(user domain.User, sid, key string) (editor.Upload, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return editor.Upload{}, err
	}
	return sess.Preview(key)
}

// Submit persists the session, journals a revision and publishes
// listing.updated. The session is dropped from the registry on success.
func (a *App) Submit(ctx context.Context, user domain.User, sid string) (domain.Listing, error) {
	sess, err := a.session(user, sid)
	if err != nil {
		return domain.Listing{}, err
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, "submit:"+user.ID) {
		return domain.Listing{}, ErrRateLimited
	}
	res, err := sess.Submit(ctx)
	if err != nil {
		return domain.Listing{}, err
	}
	a.forget(sess.ID())

	bg := context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx).With("listing_id", res.Listing.ID)
	if err := a.store.AppendRevision(bg, domain.Revision{
		ListingID: res.Listing.ID,
		EditorID:  user.ID,
		Changes:   res.Changes,
	}); err != nil {
		logger.Error("append revision failed", "err", err)
	}
	if err := a.events.PublishListingUpdated(bg, events.NewListingUpdated(res.Listing, user.ID, res.Changes)); err != nil {
		logger.Error("publish listing updated failed", "err", err)
	}
	return res.Listing, nil
}

// CloseSession discards a session and its staged uploads.
func (a *App) CloseSession(user domain.User, sid string) error {
	sess, err := a.session(user, sid)
	if err != nil {
		return err
	}
	sess.Close()
	a.forget(sess.ID())
	return nil
}

func (a *App) forget(sid string) {
	a.mu.Lock()
	delete(a.sessions, sid)
	a.mu.Unlock()
}

// SessionCount returns the number of open sessions.
func (a *App) SessionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// EvictIdle closes sessions unused since before now minus the idle timeout.
// Sessions mid-submit are left alone.
func (a *App) EvictIdle(now time.Time) int {
	cutoff := now.Add(-a.idleTimeout)
	a.mu.Lock()
	var stale []*editor.Session
	for id, sess := range a.sessions {
		if !sess.CloseIfIdle(cutoff) {
			continue
		}
		stale = append(stale, sess)
		delete(a.sessions, id)
	}
	a.mu.Unlock()
	for _, sess := range stale {
		slog.Info("edit session evicted", "session_id", sess.ID(), "listing_id", sess.ListingID())
	}
	return len(stale)
}

// StartJanitor evicts idle sessions every interval until ctx is done.
func (a *App) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.EvictIdle(now)
			}
		}
	}()
}

// StartPurgeWorkers deletes orphaned blobs queued by failed submits.
func (a *App) StartPurgeWorkers(ctx context.Context, concurrency int) {
	if a.purge == nil {
		return
	}
	a.purge.Start(ctx, concurrency, a.purgeObject)
}

func (a *App) purgeObject(ctx context.Context, job queue.PurgeJob) error {
	if err := a.objects.Delete(ctx, job.ObjectKey); err != nil {
		return fmt.Errorf("purge %s: %w", job.ObjectKey, err)
	}
	slog.Info("orphaned object purged", "key", job.ObjectKey, "reason", job.Reason, "attempts", job.Attempts)
	return nil
}

// WarmReferences preloads the reference cache.
func (a *App) WarmReferences(ctx context.Context) (int, error) {
	return a.refs.Warm(ctx)
}

// InvalidateReferences drops cached entries of the given kinds.
func (a *App) InvalidateReferences(ctx context.Context, kinds ...refcache.Kind) error {
	for _, kind := range kinds {
		if err := a.refs.Invalidate(ctx, kind); err != nil {
			return fmt.Errorf("invalidate %s: %w", kind, err)
		}
	}
	return nil
}

// RepairPrimary restores the one-primary invariant for the given listings,
// or for every listing when ids is empty. It returns the repaired ids.
func (a *App) RepairPrimary(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		all, err := a.store.ListListingIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list listings: %w", err)
		}
		ids = all
	}
	var repaired []string
	for _, id := range ids {
		changed, err := editor.RepairPrimary(ctx, a.store, id)
		if err != nil {
			return repaired, fmt.Errorf("repair %s: %w", id, err)
		}
		if changed {
			repaired = append(repaired, id)
		}
	}
	return repaired, nil
}

// Close releases the event publisher.
func (a *App) Close() error {
	return a.events.Close()
}
