package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
)

type State string

const (
	StateLoading    State = "loading"
	StateEditing    State = "editing"
	StateSubmitting State = "submitting"
	StateClosed     State = "closed"
)

// SubmitFailedMessage is the only submit failure detail shown to users.
const SubmitFailedMessage = "could not save changes"

// Deps are the collaborators shared by all sessions.
type Deps struct {
	References   References
	Orchestrator *Orchestrator
	Limits       ImageLimits
}

// Session is one user's edit of one listing. All methods are safe for
// concurrent use; mutations are accepted only while editing.
type Session struct {
	id       string
	editorID string
	orch     *Orchestrator

	mu         sync.Mutex
	state      State
	original   domain.Listing
	form       *Form
	images     *ImageSet
	notices    []Notice
	lastActive time.Time
}

// Snapshot is the client view of a session. Taking one drains the
// pending notices.
type Snapshot struct {
	ID        string      `json:"id"`
	ListingID string      `json:"listingId"`
	State     State       `json:"state"`
	Fields    Fields      `json:"fields"`
	Options   Options     `json:"options"`
	Images    []ImageView `json:"images"`
	Notices   []Notice    `json:"notices"`
}

// SubmitResult is the outcome of a successful submit.
type SubmitResult struct {
	Listing domain.Listing
	Changes domain.RevisionChanges
}

// Open loads reference data for listing and returns a session in the
// editing state. fallbackCountryID seeds the country of listings without one.
func Open(ctx context.Context, deps Deps, listing domain.Listing, editor domain.User, fallbackCountryID string) *Session {
	s := &Session{
		id:         util.NewPrefixedID("es_"),
		editorID:   editor.ID,
		orch:       deps.Orchestrator,
		state:      StateLoading,
		original:   listing,
		lastActive: time.Now(),
	}
	opts, countryID, notices := NewLoader(deps.References).Load(ctx, listing, fallbackCountryID)
	fields := FieldsFromListing(listing)
	if StaleModel(listing) {
		fields.ModelID = ""
	}
	if fields.CountryID == "" {
		fields.CountryID = countryID
	}
	s.form = NewForm(deps.References, fields, opts)
	s.images = NewImageSet(listing.Images, deps.Limits)
	s.notices = notices
	s.state = StateEditing
	util.LoggerFromContext(ctx).Info("edit session opened", "session_id", s.id, "listing_id", listing.ID, "editor_id", editor.ID)
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) ListingID() string { return s.original.ID }
func (s *Session) OwnerID() string   { return s.original.OwnerID }
func (s *Session) EditorID() string  { return s.editorID }

// Authorize reports whether user may act on the session.
func (s *Session) Authorize(user domain.User) bool {
	return user.CanEdit(s.original.OwnerID)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	notices := s.notices
	if notices == nil {
		notices = []Notice{}
	}
	s.notices = nil
	return Snapshot{
		ID:        s.id,
		ListingID: s.original.ID,
		State:     s.state,
		Fields:    s.form.Fields(),
		Options:   s.form.Options(),
		Images:    s.images.Images(),
		Notices:   notices,
	}
}

func (s *Session) editableLocked() error {
	switch s.state {
	case StateEditing:
		s.lastActive = time.Now()
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrSessionBusy
	}
}

// ApplyPatch updates form fields, running the country and brand cascades.
func (s *Session) ApplyPatch(ctx context.Context, p Patch) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return Snapshot{}, err
	}
	notices, err := s.form.Apply(ctx, p)
	if err != nil {
		return Snapshot{}, err
	}
	s.notices = append(s.notices, notices...)
	return s.snapshotLocked(), nil
}

func (s *Session) AddImages(uploads ...Upload) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.images.Add(uploads...); err != nil {
		return Snapshot{}, err
	}
	return s.snapshotLocked(), nil
}

func (s *Session) RemoveImage(ref string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return Snapshot{}, err
	}
	if _, err := s.images.Remove(ref); err != nil {
		return Snapshot{}, err
	}
	return s.snapshotLocked(), nil
}

// SetPrimary makes the image at index primary. For a persisted image the
// change is also written remotely; a remote failure keeps the local change,
// adds a notice and is reconciled on submit.
func (s *Session) SetPrimary(ctx context.Context, index int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return Snapshot{}, err
	}
	view, err := s.images.SetPrimary(index)
	if err != nil {
		return Snapshot{}, err
	}
	if view.ID != "" && s.orch != nil {
		if err := s.orch.SetPrimary(context.WithoutCancel(ctx), s.original.ID, view.ID); err != nil {
			util.LoggerFromContext(ctx).Warn("remote set primary failed", "session_id", s.id, "image_id", view.ID, "err", err)
			s.notices = append(s.notices, errorNotice("could not update primary image"))
		} else {
			s.images.CommitPrimary(view.ID)
		}
	}
	return s.snapshotLocked(), nil
}

// Preview returns the staged bytes behind a blob: URL.
func (s *Session) Preview(key string) (Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Upload{}, ErrSessionClosed
	}
	key = strings.TrimPrefix(key, BlobScheme)
	u, ok := s.images.Preview(key)
	if !ok {
		return Upload{}, fmt.Errorf("%w: %s", ErrImageNotFound, key)
	}
	return u, nil
}

// Submit persists the session. The lock is released while remote writes run
// so concurrent callers observe the submitting state. On failure the session
// returns to editing with its state intact; on success it closes.
func (s *Session) Submit(ctx context.Context) (SubmitResult, error) {
	s.mu.Lock()
	if err := s.editableLocked(); err != nil {
		s.mu.Unlock()
		return SubmitResult{}, err
	}
	if err := s.form.Validate(); err != nil {
		s.mu.Unlock()
		return SubmitResult{}, err
	}
	if s.orch == nil {
		s.mu.Unlock()
		return SubmitResult{}, errors.New("session has no orchestrator")
	}
	s.images.EnsurePrimary()
	fields := s.form.Fields()
	diff := s.images.Diff()
	s.state = StateSubmitting
	s.mu.Unlock()

	logger := util.LoggerFromContext(ctx).With("session_id", s.id)
	listing, err := s.orch.Submit(context.WithoutCancel(ctx), s.original.ID, fields.ListingFields(), diff)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state == StateSubmitting {
			s.state = StateEditing
		}
		var submitErr *SubmitError
		if errors.As(err, &submitErr) {
			s.images.CommitInserted(submitErr.Inserted)
		}
		s.notices = append(s.notices, errorNotice(SubmitFailedMessage))
		logger.Error("submit failed", "err", err)
		return SubmitResult{}, err
	}
	changes := summarize(s.original, fields, diff, listing)
	s.state = StateClosed
	s.images.Release()
	logger.Info("edit session submitted", "listing_id", listing.ID, "changed_fields", len(changes.Fields))
	return SubmitResult{Listing: listing, Changes: changes}, nil
}

// CloseIfIdle closes an editing session unused since before cutoff. The check
// and the close happen under one lock, so a submit cannot start in between.
func (s *Session) CloseIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEditing || !s.lastActive.Before(cutoff) {
		return false
	}
	s.state = StateClosed
	s.images.Release()
	s.notices = nil
	return true
}

// Close discards the session. In-flight remote writes are not cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.images.Release()
	s.notices = nil
}

func summarize(original domain.Listing, fields Fields, diff Diff, result domain.Listing) domain.RevisionChanges {
	changes := domain.RevisionChanges{Fields: fields.ChangedFrom(FieldsFromListing(original))}
	known := make(map[string]struct{}, len(original.Images))
	for _, img := range original.Images {
		known[img.URL] = struct{}{}
	}
	for _, img := range result.Images {
		if _, ok := known[img.URL]; !ok {
			changes.AddedImages = append(changes.AddedImages, img.URL)
		}
		if img.IsPrimary && changes.PrimaryImage == "" {
			changes.PrimaryImage = img.URL
		}
	}
	for _, img := range diff.Removed {
		changes.RemovedImages = append(changes.RemovedImages, img.URL)
	}
	return changes
}
