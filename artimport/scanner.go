package artimport

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultTestPrefix    = "test_"
	DefaultNameSeparator = "__"
)

// Scanner walks an output tree and classifies artefact files.
// It never opens or hashes the files it reports.
type Scanner struct {
	prefix    string
	separator string
	logger    *zap.Logger
}

// NewScanner returns a scanner for test directories starting with prefix whose
// test name follows the last separator. Empty values select the defaults.
func NewScanner(prefix, separator string, logger *zap.Logger) *Scanner {
	if prefix == "" {
		prefix = DefaultTestPrefix
	}

	if separator == "" {
		separator = DefaultNameSeparator
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scanner{
		prefix:    prefix,
		separator: separator,
		logger:    logger.Named("scanner"),
	}
}

// TestName derives the test function name from a test directory name.
func (s *Scanner) TestName(dir string) string {
	if i := strings.LastIndex(dir, s.separator); i >= 0 && i+len(s.separator) < len(dir) {
		return dir[i+len(s.separator):]
	}

	if name := strings.TrimPrefix(dir, s.prefix); name != "" {
		return name
	}

	return dir
}

// Scan returns the artefacts under root in lexical walk order. Unreadable
// subdirectories are skipped with a warning; only an unreadable root fails.
// Symlinked directories are followed once per target and their artefacts
// are reported under the link path.
func (s *Scanner) Scan(root string) ([]Artefact, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("Can't resolve %s: %w", root, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("Can't resolve %s: %w", root, err)
	}

	s.logger.Info("Scanning for artefacts", zap.String("root", resolved))

	w := &walkState{
		root:      resolved,
		visited:   map[string]bool{resolved: true},
		artefacts: make([]Artefact, 0),
	}

	if err := s.walk(w, resolved, resolved); err != nil {
		return nil, fmt.Errorf("Can't scan %s: %w", root, err)
	}

	s.logger.Info("Scan finished", zap.Int("artefacts", len(w.artefacts)))
	return w.artefacts, nil
}

type walkState struct {
	root      string
	visited   map[string]bool
	artefacts []Artefact
}

// walk visits the real directory dir and reports its files below the
// logical path base.
func (s *Scanner) walk(w *walkState, base, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		logical := base
		if rel, err := filepath.Rel(dir, path); err == nil && rel != "." {
			logical = filepath.Join(base, rel)
		}

		if walkErr != nil {
			if path == w.root {
				return walkErr
			}

			s.logger.Warn("Skipping unreadable path", zap.String("path", logical), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil {
				s.logger.Warn("Skipping broken symlink", zap.String("path", logical), zap.Error(err))
				return nil
			}

			if info.IsDir() {
				return s.follow(w, logical, path)
			}

			if !info.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		s.add(w, logical, d.Name())
		return nil
	})
}

// follow descends into the directory behind a symlink unless its target
// was already walked through another link or is the root.
func (s *Scanner) follow(w *walkState, logical, link string) error {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		s.logger.Warn("Skipping unresolvable symlink", zap.String("path", logical), zap.Error(err))
		return nil
	}

	if w.visited[target] {
		s.logger.Warn("Skipping symlink loop", zap.String("path", logical), zap.String("target", target))
		return nil
	}

	w.visited[target] = true
	return s.walk(w, logical, target)
}

func (s *Scanner) add(w *walkState, path, name string) {
	kind, ok := KindForName(name)
	if !ok {
		return
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}

	a, ok := s.classify(filepath.ToSlash(rel))
	if !ok {
		s.logger.Debug("Ignoring artefact outside campaign layout", zap.String("path", path))
		return
	}

	a.Path = path
	a.Kind = kind
	w.artefacts = append(w.artefacts, a)
}

// classify places a root-relative file path into its campaign and test.
// The outermost directory below the campaign level that carries the test
// prefix is the test directory, and its parent is the campaign.
func (s *Scanner) classify(rel string) (Artefact, bool) {
	parts := strings.Split(rel, "/")
	dirs := parts[:len(parts)-1]

	for i := 1; i < len(dirs); i++ {
		if strings.HasPrefix(dirs[i], s.prefix) {
			return Artefact{
				CampaignName: dirs[i-1],
				TestName:     s.TestName(dirs[i]),
				TestPath:     dirs[i],
			}, true
		}
	}

	// Files directly inside a campaign directory belong to the campaign only.
	if len(dirs) == 1 {
		return Artefact{CampaignName: dirs[0]}, true
	}

	return Artefact{}, false
}
