// Package proxy loads the upstream proxy list and picks an entry per task.
//
// Each non-empty line of the list is one proxy in one of these forms:
//
//	host:port
//	scheme:host:port
//	scheme:host:port:user:pass
//
// Credentials are only honored when all five fields are present.
package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// Parse converts one list entry into a proxy config. Entries with fewer than
// two fields are rejected.
func Parse(entry string) (*solver.ProxyConfig, error) {
	entry = strings.TrimSpace(entry)
	parts := strings.Split(entry, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed proxy entry %q", entry)
	}
	cfg := &solver.ProxyConfig{}
	if len(parts) == 2 {
		cfg.Server = "http://" + entry
	} else {
		cfg.Server = fmt.Sprintf("%s://%s:%s", parts[0], parts[1], parts[2])
	}
	if len(parts) == 5 {
		cfg.Username = parts[3]
		cfg.Password = parts[4]
	}
	return cfg, nil
}

// ParseList splits a newline-delimited list, dropping blank lines.
func ParseList(data []byte) []string {
	var entries []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	return entries
}

// FileSource re-reads the proxy file on every pick so edits apply to the
// next task without a restart.
type FileSource struct {
	path   string
	intn   func(n int) int
	logger *zap.Logger
}

// NewFileSource returns a source reading from path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, intn: rand.IntN, logger: logger}
}

// Pick returns a uniformly random entry, or nil when the file is absent,
// empty, or the chosen entry is malformed.
func (s *FileSource) Pick() *solver.ProxyConfig {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read proxy file", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}
	entries := ParseList(data)
	if len(entries) == 0 {
		return nil
	}
	entry := entries[s.intn(len(entries))]
	cfg, err := Parse(entry)
	if err != nil {
		s.logger.Warn("ignoring proxy entry", zap.Error(err))
		return nil
	}
	return cfg
}
