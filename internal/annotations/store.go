package annotations

import (
	"errors"
	"sync"
)

var errMissingIDProvider = errors.New("annotations: id provider is required")

// Store holds the ordered annotations for one open document. Editing is
// modeled single-writer, but the store still locks so concurrent HTTP
// handlers cannot corrupt the slice.
type Store struct {
	mu         sync.Mutex
	idProvider IDProvider
	items      []Annotation
}

// NewStore constructs an empty Store.
func NewStore(provider IDProvider) (*Store, error) {
	if provider == nil {
		return nil, errMissingIDProvider
	}
	return &Store{idProvider: provider}, nil
}

// Seed replaces the store contents with a previously persisted sequence,
// preserving its order. Used when a saved draft is reopened.
func (s *Store) Seed(items []Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]Annotation, len(items))
	copy(s.items, items)
}

// Add places a new signature on the given page at the default anchor and
// size, appending it in insertion order.
func (s *Store) Add(imageRef string, page int) (Annotation, error) {
	placed := Annotation{
		ImageRef: imageRef,
		X:        defaultAnchorX,
		Y:        defaultAnchorY,
		Width:    defaultWidth,
		Height:   defaultHeight,
		Page:     page,
	}
	if err := placed.Validate(); err != nil {
		return Annotation{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Annotation{}, err
	}
	placed.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, placed)
	return placed, nil
}

// Update merges the patch into the annotation with the given id. The merged
// record is validated before it replaces the stored one, so a patch cannot
// leave a degenerate annotation behind. Unknown ids are a silent no-op: at
// most one annotation matches, and a stale id from an already removed stamp
// is not an error.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			patched := patch.apply(s.items[i])
			if err := patched.Validate(); err != nil {
				return err
			}
			s.items[i] = patched
			return nil
		}
	}
	return nil
}

// Remove deletes the annotation with the given id, keeping the order of the
// remaining items.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Clear drops every annotation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// ListForPage returns the annotations targeting one page, insertion order
// preserved. Used to render only the active page.
func (s *Store) ListForPage(page int) []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Annotation
	for _, item := range s.items {
		if item.Page == page {
			out = append(out, item)
		}
	}
	return out
}

// ListAll returns a copy of every annotation in insertion order. The
// compositor consumes this unfiltered view.
func (s *Store) ListAll() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	return out
}
