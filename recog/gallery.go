package recog

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/esimov/retina/tensorio"
	"github.com/pkg/errors"
)

// Unknown is the name reported when no registered identity matches.
const Unknown = "unknown"

// Match is the result of a gallery lookup.
type Match struct {
	// ID is the gallery index of the identity, or -1 when nothing matched.
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Score float32 `json:"score"`
}

// Gallery is an in-memory database of registered face embeddings.
// It is safe for concurrent use.
type Gallery struct {
	mu       sync.RWMutex
	names    []string
	features [][]float32
}

// NewGallery returns an empty gallery.
func NewGallery() *Gallery {
	return &Gallery{}
}

// Len returns the number of registered identities.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.names)
}

// Register adds an identity. All embeddings of a gallery must have the same length.
func (g *Gallery) Register(name string, embedding []float32) error {
	if name == "" {
		return errors.New("the identity name cannot be empty")
	}
	if len(embedding) == 0 {
		return errors.Wrap(ErrDimension, "empty embedding")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.features) > 0 && len(g.features[0]) != len(embedding) {
		return errors.Wrapf(ErrDimension, "gallery holds %d values per face, got %d", len(g.features[0]), len(embedding))
	}
	g.names = append(g.names, name)
	g.features = append(g.features, append([]float32(nil), embedding...))
	return nil
}

// Identify returns the best scoring identity. When the best score does not exceed
// threshold the match is reported as Unknown with ID -1, keeping the score.
func (g *Gallery) Identify(embedding []float32, threshold float32) (Match, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	best := Match{ID: -1, Name: Unknown}
	for i, f := range g.features {
		s, err := Score(embedding, f)
		if err != nil {
			return Match{}, err
		}
		if s > best.Score {
			best = Match{ID: i, Name: g.names[i], Score: s}
		}
	}
	if best.Score <= threshold {
		best.ID, best.Name = -1, Unknown
	}
	return best, nil
}

// Save writes the gallery into dir as numbered pairs of files, starting at 1:
// {i}.db holds the raw float32 embedding and {i}.name the identity name.
func (g *Gallery) Save(dir string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "unable to create the gallery directory")
	}
	for i, name := range g.names {
		base := filepath.Join(dir, strconv.Itoa(i+1))
		if err := tensorio.WriteFloat32(base+".db", g.features[i]); err != nil {
			return err
		}
		if err := os.WriteFile(base+".name", []byte(name), 0644); err != nil {
			return errors.Wrap(err, "unable to write the identity name")
		}
	}
	return nil
}

// LoadGallery reads a gallery saved with Save. Loading stops at the first missing index.
func LoadGallery(dir string) (*Gallery, error) {
	g := NewGallery()
	for i := 1; ; i++ {
		base := filepath.Join(dir, strconv.Itoa(i))
		feature, err := tensorio.ReadFloat32(base + ".db")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return nil, err
		}
		name, err := os.ReadFile(base + ".name")
		if err != nil {
			return nil, errors.Wrapf(err, "identity %d has no name", i)
		}
		if err := g.Register(string(name), feature); err != nil {
			return nil, errors.Wrapf(err, "identity %d", i)
		}
	}
	return g, nil
}

// Clear removes the gallery files from dir and empties the gallery.
func (g *Gallery) Clear(dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, pattern := range []string{"*.db", "*.name"} {
		files, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := os.Remove(f); err != nil {
				return errors.Wrap(err, "unable to remove the gallery file")
			}
		}
	}
	g.names, g.features = nil, nil
	return nil
}
