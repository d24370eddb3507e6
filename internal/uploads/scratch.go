package uploads

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Scratch keeps copies of raw uploads in a bounded directory. File names are
// derived from the prediction id so concurrent uploads never collide.
type Scratch struct {
	dir    string
	retain int
	logger *zap.Logger
	mu     sync.Mutex
}

// NewScratch creates dir if needed. retain is the number of files kept.
func NewScratch(dir string, retain int, logger *zap.Logger) (*Scratch, error) {
	if retain <= 0 {
		return nil, fmt.Errorf("upload retain count must be positive, got %d", retain)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Scratch{dir: dir, retain: retain, logger: logger.Named("upload_scratch")}, nil
}

// Save writes data as "<id>-<filename>" and prunes the oldest files beyond the
// retention limit.
func (s *Scratch) Save(id, filename string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	dst := filepath.Join(s.dir, id+"-"+sanitizeFilename(filename))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	s.prune()
	return dst, nil
}

func (s *Scratch) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to list upload dir", zap.Error(err))
		return
	}

	type stored struct {
		name string
		mod  int64
	}
	files := make([]stored, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, stored{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(files) <= s.retain {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].mod == files[j].mod {
			return files[i].name < files[j].name
		}
		return files[i].mod < files[j].mod
	})
	for _, f := range files[:len(files)-s.retain] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to prune upload", zap.String("file", f.name), zap.Error(err))
		}
	}
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "upload"
	}
	return base
}
