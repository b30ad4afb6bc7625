package editor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
	"autosouq/pkg/queue"
	"autosouq/pkg/storage"
	"autosouq/pkg/store"
)

const defaultUploadConcurrency = 4

// Purger schedules an object key for later deletion.
type Purger interface {
	Enqueue(ctx context.Context, objectKey, reason string) (queue.PurgeJob, error)
}

type OrchestratorConfig struct {
	Listings store.ListingStore
	Images   store.ImageStore
	Objects  storage.ObjectStore
	// Purge may be nil; orphaned keys are then only logged.
	Purge             Purger
	UploadConcurrency int
}

// Orchestrator persists a submitted edit as an ordered sequence of writes.
type Orchestrator struct {
	listings    store.ListingStore
	images      store.ImageStore
	objects     storage.ObjectStore
	purge       Purger
	concurrency int
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Listings == nil || cfg.Images == nil || cfg.Objects == nil {
		return nil, fmt.Errorf("orchestrator requires listing store, image store and object store")
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}
	return &Orchestrator{
		listings:    cfg.Listings,
		images:      cfg.Images,
		objects:     cfg.Objects,
		purge:       cfg.Purge,
		concurrency: concurrency,
	}, nil
}

// Submit runs the persistence steps in order and returns the re-fetched
// listing. The first failing step aborts with a *SubmitError; earlier writes
// stay in place.
func (o *Orchestrator) Submit(ctx context.Context, listingID string, fields domain.ListingFields, diff Diff) (domain.Listing, error) {
	logger := util.LoggerFromContext(ctx).With("listing_id", listingID)

	if err := o.listings.UpdateListingFields(ctx, listingID, fields); err != nil {
		logger.Error("update listing fields failed", "err", err)
		return domain.Listing{}, &SubmitError{Step: StepUpdateFields, Err: err}
	}
	inserted, err := o.uploadNew(ctx, listingID, diff.New)
	if err != nil {
		logger.Error("upload new images failed", "err", err, "inserted", len(inserted))
		return domain.Listing{}, &SubmitError{Step: StepUploadImages, Err: err, Inserted: inserted}
	}
	if err := o.reconcileExisting(ctx, listingID, diff.Existing); err != nil {
		logger.Error("reconcile existing images failed", "err", err)
		return domain.Listing{}, &SubmitError{Step: StepReconcile, Err: err, Inserted: inserted}
	}
	if err := o.deleteRemoved(ctx, diff.Removed); err != nil {
		logger.Error("delete removed images failed", "err", err)
		return domain.Listing{}, &SubmitError{Step: StepDeleteRemoved, Err: err, Inserted: inserted}
	}
	if _, err := RepairPrimary(ctx, o.images, listingID); err != nil {
		logger.Warn("primary image repair failed", "err", err)
	}

	listing, ok, err := o.listings.GetListing(ctx, listingID)
	if err != nil {
		logger.Error("refetch listing failed", "err", err)
		return domain.Listing{}, &SubmitError{Step: StepRefetch, Err: err, Inserted: inserted}
	}
	if !ok {
		return domain.Listing{}, &SubmitError{Step: StepRefetch, Err: ErrListingNotFound, Inserted: inserted}
	}
	return listing, nil
}

// uploadNew uploads and inserts new images concurrently. Each insert waits
// only for its own upload. A key whose insert fails is queued for purge. The
// returned map holds every row that was inserted, keyed by image set key,
// even when another upload failed.
func (o *Orchestrator) uploadNew(ctx context.Context, listingID string, images []NewImage) (map[string]domain.Image, error) {
	inserted := make(map[string]domain.Image, len(images))
	if len(images) == 0 {
		return inserted, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, img := range images {
		g.Go(func() error {
			key := storage.NewImageKey(img.Upload.Filename)
			contentType := img.Upload.ContentType
			if contentType == "" {
				contentType = storage.ContentType(img.Upload.Filename)
			}
			data := img.Upload.Data
			if err := o.objects.Put(gctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
				return fmt.Errorf("upload %s: %w", img.Upload.Filename, err)
			}
			row, err := o.images.InsertImage(gctx, domain.Image{
				ListingID:   listingID,
				URL:         o.objects.PublicURL(key),
				StoragePath: key,
				IsPrimary:   img.IsPrimary,
				Position:    img.Position,
			})
			if err != nil {
				o.enqueuePurge(ctx, key, queue.ReasonInsertFailed)
				return fmt.Errorf("insert image %s: %w", img.Upload.Filename, err)
			}
			mu.Lock()
			inserted[img.Key] = row
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return inserted, err
}

func (o *Orchestrator) reconcileExisting(ctx context.Context, listingID string, images []ExistingImage) error {
	for _, img := range images {
		id := img.Original.ID
		var update store.ImageUpdate
		if img.PrimaryChanged() {
			if img.IsPrimary {
				if err := o.images.SetPrimaryImage(ctx, listingID, id); err != nil {
					return fmt.Errorf("set primary %s: %w", id, err)
				}
			} else {
				no := false
				update.IsPrimary = &no
			}
		}
		if img.PositionChanged() {
			pos := img.Position
			update.Position = &pos
		}
		if update.IsPrimary == nil && update.Position == nil {
			continue
		}
		if err := o.images.UpdateImage(ctx, id, update); err != nil {
			return fmt.Errorf("update image %s: %w", id, err)
		}
	}
	return nil
}

// deleteRemoved deletes each removed image's blob and then its row. A blob
// that cannot be deleted is handed to the purge queue when one is configured.
func (o *Orchestrator) deleteRemoved(ctx context.Context, images []domain.Image) error {
	logger := util.LoggerFromContext(ctx)
	for _, img := range images {
		key := o.objectKey(img)
		if key == "" {
			logger.Warn("removed image has no resolvable object key", "image_id", img.ID, "url", img.URL)
		} else if err := o.objects.Delete(ctx, key); err != nil {
			if o.purge == nil {
				return fmt.Errorf("delete object %s: %w", key, err)
			}
			if _, qErr := o.purge.Enqueue(context.WithoutCancel(ctx), key, queue.ReasonDeleteFailed); qErr != nil {
				return fmt.Errorf("delete object %s: %w", key, err)
			}
			logger.Warn("object delete deferred to purge queue", "key", key, "err", err)
		}
		if err := o.images.DeleteImage(ctx, img.ID); err != nil {
			return fmt.Errorf("delete image %s: %w", img.ID, err)
		}
	}
	return nil
}

// objectKey prefers the recorded storage path and falls back to parsing the
// URL for rows written before the path was stored.
func (o *Orchestrator) objectKey(img domain.Image) string {
	if key := strings.TrimSpace(img.StoragePath); key != "" {
		return key
	}
	base := strings.TrimSuffix(o.objects.PublicURL(""), "/")
	key, ok := storage.KeyFromURL(base, img.URL)
	if !ok {
		return ""
	}
	return key
}

func (o *Orchestrator) enqueuePurge(ctx context.Context, key, reason string) {
	logger := util.LoggerFromContext(ctx)
	if o.purge == nil {
		logger.Warn("orphaned object left in storage", "key", key, "reason", reason)
		return
	}
	if _, err := o.purge.Enqueue(context.WithoutCancel(ctx), key, reason); err != nil {
		logger.Error("enqueue purge failed", "key", key, "err", err)
	}
}

// SetPrimary clears the listing's primaries and marks imageID, in one write.
func (o *Orchestrator) SetPrimary(ctx context.Context, listingID, imageID string) error {
	return o.images.SetPrimaryImage(ctx, listingID, imageID)
}

// RepairPrimary makes sure a listing with images has exactly one primary,
// promoting the first image in display order. It reports whether it wrote.
func RepairPrimary(ctx context.Context, images store.ImageStore, listingID string) (bool, error) {
	imgs, err := images.ListImages(ctx, listingID)
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	if len(imgs) == 0 {
		return false, nil
	}
	primaries := 0
	for _, img := range imgs {
		if img.IsPrimary {
			primaries++
		}
	}
	if primaries == 1 {
		return false, nil
	}
	if err := images.SetPrimaryImage(ctx, listingID, imgs[0].ID); err != nil {
		return false, fmt.Errorf("set primary %s: %w", imgs[0].ID, err)
	}
	return true, nil
}
