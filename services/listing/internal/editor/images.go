package editor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"autosouq/pkg/domain"
)

const (
	// BlobScheme prefixes preview URLs of images that are not uploaded yet.
	BlobScheme       = "blob:"
	defaultMaxImages = 10
)

var defaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// ImageLimits bound what Add accepts.
type ImageLimits struct {
	MaxImages         int
	AllowedExtensions []string
}

func (l ImageLimits) normalized() ImageLimits {
	if l.MaxImages <= 0 {
		l.MaxImages = defaultMaxImages
	}
	exts := make([]string, 0, len(l.AllowedExtensions))
	for _, ext := range l.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	if len(exts) == 0 {
		exts = append(exts, defaultImageExtensions...)
	}
	l.AllowedExtensions = exts
	return l
}

func (l ImageLimits) allows(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range l.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Upload is a local file staged in a session until submit.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

type imageEntry struct {
	key    string
	image  domain.Image
	upload *Upload
}

func (e imageEntry) isNew() bool { return e.image.ID == "" }

// ImageView is the client-facing state of one image in the edit set.
type ImageView struct {
	Key       string `json:"key"`
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
	IsNew     bool   `json:"isNew"`
	Position  int    `json:"position"`
}

// ImageSet tracks the edited image collection against the snapshot taken
// when the session opened. The primary image is a key pointer, never a
// per-entry flag, so at most one entry can be primary.
type ImageSet struct {
	limits   ImageLimits
	current  []imageEntry
	primary  string
	original []domain.Image
}

// NewImageSet seeds the set from persisted images in display order. A
// non-empty set without a persisted primary promotes its first image; the
// promotion is written on submit.
func NewImageSet(original []domain.Image, limits ImageLimits) *ImageSet {
	s := &ImageSet{
		limits:   limits.normalized(),
		original: append([]domain.Image(nil), original...),
	}
	for _, img := range original {
		s.current = append(s.current, imageEntry{key: img.ID, image: img})
		if img.IsPrimary && s.primary == "" {
			s.primary = img.ID
		}
	}
	s.EnsurePrimary()
	return s
}

func (s *ImageSet) Len() int { return len(s.current) }

// Images returns the current collection in order.
func (s *ImageSet) Images() []ImageView {
	out := make([]ImageView, 0, len(s.current))
	for i, e := range s.current {
		out = append(out, ImageView{
			Key:       e.key,
			ID:        e.image.ID,
			URL:       e.image.URL,
			IsPrimary: e.key == s.primary,
			IsNew:     e.isNew(),
			Position:  i,
		})
	}
	return out
}

// PrimaryKey returns the key of the primary image, or "" when there is none.
func (s *ImageSet) PrimaryKey() string { return s.primary }

// Add stages uploads at the end of the set. The whole call is rejected when
// any file has a disallowed extension or the set would exceed its limit. When
// the set was empty the first added image becomes primary.
func (s *ImageSet) Add(uploads ...Upload) ([]ImageView, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if len(s.current)+len(uploads) > s.limits.MaxImages {
		return nil, fmt.Errorf("%w: at most %d images", ErrImageLimit, s.limits.MaxImages)
	}
	for _, u := range uploads {
		if !s.limits.allows(u.Filename) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, filepath.Base(u.Filename))
		}
		if len(u.Data) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrUnsupportedImage, filepath.Base(u.Filename))
		}
	}
	wasEmpty := len(s.current) == 0
	added := make([]ImageView, 0, len(uploads))
	for _, u := range uploads {
		key := uuid.NewString()
		s.current = append(s.current, imageEntry{
			key:    key,
			image:  domain.Image{URL: BlobScheme + key},
			upload: &u,
		})
		added = append(added, ImageView{Key: key, URL: BlobScheme + key, IsNew: true, Position: len(s.current) - 1})
	}
	if wasEmpty {
		s.primary = s.current[0].key
		added[0].IsPrimary = true
	}
	return added, nil
}

// Remove drops the image matching ref by URL, key or persisted ID. Removing
// the primary promotes the new first image.
func (s *ImageSet) Remove(ref string) (ImageView, error) {
	ref = strings.TrimSpace(ref)
	idx := s.find(ref)
	if idx < 0 {
		return ImageView{}, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	e := s.current[idx]
	view := ImageView{Key: e.key, ID: e.image.ID, URL: e.image.URL, IsPrimary: e.key == s.primary, IsNew: e.isNew(), Position: idx}
	s.current = append(s.current[:idx], s.current[idx+1:]...)
	if e.upload != nil {
		e.upload.Data = nil
	}
	if e.key == s.primary {
		s.primary = ""
		if len(s.current) > 0 {
			s.primary = s.current[0].key
		}
	}
	return view, nil
}

func (s *ImageSet) find(ref string) int {
	if ref == "" {
		return -1
	}
	for i, e := range s.current {
		if e.key == ref || e.image.URL == ref || (e.image.ID != "" && e.image.ID == ref) {
			return i
		}
	}
	return -1
}

// SetPrimary moves the image at index to the front and makes it primary.
func (s *ImageSet) SetPrimary(index int) (ImageView, error) {
	if index < 0 || index >= len(s.current) {
		return ImageView{}, fmt.Errorf("%w: index %d", ErrImageNotFound, index)
	}
	e := s.current[index]
	copy(s.current[1:index+1], s.current[:index])
	s.current[0] = e
	s.primary = e.key
	return ImageView{Key: e.key, ID: e.image.ID, URL: e.image.URL, IsPrimary: true, IsNew: e.isNew()}, nil
}

// EnsurePrimary promotes the first image when a non-empty set has no primary.
func (s *ImageSet) EnsurePrimary() bool {
	if len(s.current) == 0 {
		s.primary = ""
		return false
	}
	if s.find(s.primary) >= 0 {
		return false
	}
	s.primary = s.current[0].key
	return true
}

// CommitPrimary records that imageID is now the persisted primary, so the
// next diff does not rewrite it.
func (s *ImageSet) CommitPrimary(imageID string) {
	for i := range s.original {
		s.original[i].IsPrimary = s.original[i].ID == imageID
	}
}

// CommitInserted records images persisted by a submit that failed later on.
// inserted maps entry keys to their rows; those entries join the snapshot so
// a retry reconciles them instead of uploading them again.
func (s *ImageSet) CommitInserted(inserted map[string]domain.Image) {
	if len(inserted) == 0 {
		return
	}
	for i := range s.current {
		img, ok := inserted[s.current[i].key]
		if !ok || !s.current[i].isNew() {
			continue
		}
		s.current[i].image = img
		s.original = append(s.original, img)
	}
}

// Preview returns the staged bytes of a not-yet-uploaded image.
func (s *ImageSet) Preview(key string) (Upload, bool) {
	for _, e := range s.current {
		if e.key == key && e.upload != nil && e.upload.Data != nil {
			return *e.upload, true
		}
	}
	return Upload{}, false
}

// Release drops all staged bytes. Previews are unavailable afterwards.
func (s *ImageSet) Release() {
	for _, e := range s.current {
		if e.upload != nil {
			e.upload.Data = nil
		}
	}
}

// NewImage is an image to upload and insert on submit.
type NewImage struct {
	Key       string
	Upload    Upload
	Position  int
	IsPrimary bool
}

// ExistingImage is a persisted image still present in the set.
type ExistingImage struct {
	Original  domain.Image
	IsPrimary bool
	Position  int
}

func (e ExistingImage) PrimaryChanged() bool  { return e.IsPrimary != e.Original.IsPrimary }
func (e ExistingImage) PositionChanged() bool { return e.Position != e.Original.Position }

// Diff partitions the edited set against the original snapshot.
type Diff struct {
	New      []NewImage
	Existing []ExistingImage
	Removed  []domain.Image
}

// Diff classifies every image by URL membership: in the set only (new), in
// both (existing) or in the snapshot only (removed).
func (s *ImageSet) Diff() Diff {
	originalByURL := make(map[string]domain.Image, len(s.original))
	for _, img := range s.original {
		originalByURL[img.URL] = img
	}
	currentURLs := make(map[string]struct{}, len(s.current))
	var d Diff
	for i, e := range s.current {
		currentURLs[e.image.URL] = struct{}{}
		isPrimary := e.key == s.primary
		if orig, ok := originalByURL[e.image.URL]; ok {
			d.Existing = append(d.Existing, ExistingImage{Original: orig, IsPrimary: isPrimary, Position: i})
			continue
		}
		var upload Upload
		if e.upload != nil {
			upload = *e.upload
		}
		d.New = append(d.New, NewImage{Key: e.key, Upload: upload, Position: i, IsPrimary: isPrimary})
	}
	for _, img := range s.original {
		if _, ok := currentURLs[img.URL]; !ok {
			d.Removed = append(d.Removed, img)
		}
	}
	return d
}
