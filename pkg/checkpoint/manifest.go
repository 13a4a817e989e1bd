package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"autosave/pkg/storage"
)

// manifestName is the session manifest kept next to the artifact
const manifestName = "session.json"

// manifestVersion is bumped when Manifest changes incompatibly
const manifestVersion = 1

// Manifest records where a session's artifact lives, so a later process can
// find it after a crash
type Manifest struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name"`
	Voice        string    `json:"voice,omitempty"`
	Source       string    `json:"source,omitempty"`
	Artifact     string    `json:"artifact"`
	SessionDir   string    `json:"session_dir"`
	Backups      []string  `json:"backups"`
	FallbackUsed bool      `json:"fallback_used"`
	LastStep     int       `json:"last_step"`
	Frames       int       `json:"frames"`
	SampleRate   int       `json:"sample_rate"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"`
}

// SaveManifest writes m into dir atomically
func SaveManifest(dir string, m *Manifest) error {
	m.UpdatedAt = time.Now()
	m.Version = manifestVersion

	return storage.WriteFileAtomic(filepath.Join(dir, manifestName), func(f *os.File) error {
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(m); err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		return nil
	})
}

// LoadManifest reads the manifest in dir. It returns nil, nil when none exists.
func LoadManifest(dir string) (*Manifest, error) {
	file, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	var m Manifest
	if err := json.NewDecoder(file).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version > manifestVersion {
		return nil, fmt.Errorf("manifest version %d is newer than supported version %d", m.Version, manifestVersion)
	}
	return &m, nil
}

// FindManifests loads every session manifest in the immediate
// subdirectories of root, newest first
func FindManifests(root string) ([]*Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var out []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := LoadManifest(filepath.Join(root, entry.Name()))
		if err != nil || m == nil {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Locator returns where recovery should look for this session's audio
func (m *Manifest) Locator(fallbackRoots []string) Locator {
	return Locator{
		Artifact:      m.Artifact,
		BackupDirs:    uniqueDirs(m.SessionDir, filepath.Dir(m.Artifact)),
		FallbackRoots: fallbackRoots,
		Patterns:      SessionPatterns(m.Name),
	}
}

func uniqueDirs(dirs ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range dirs {
		if d == "" || d == "." || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
