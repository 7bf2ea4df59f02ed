// Package playback streams finished local renders over HTTP. Only files
// under the render output directory are served.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/estatereel/renderd/internal/logging"
)

var (
	ErrNotLocal    = errors.New("output is not a local file")
	ErrOutsideRoot = errors.New("output is outside the render directory")
)

type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve render directory: %w", err)
	}
	return &Server{root: abs, logger: logging.WithComponent(logging.OrDiscard(logger), "playback")}, nil
}

// Resolve maps a file:// output URL to a path under the render directory.
func (s *Server) Resolve(outputURL string) (string, error) {
	u, err := url.Parse(outputURL)
	if err != nil || u.Scheme != "file" {
		return "", ErrNotLocal
	}
	path := filepath.Clean(u.Path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// ServeRender writes the file behind outputURL. Range and conditional
// requests are handled by http.ServeContent.
func (s *Server) ServeRender(w http.ResponseWriter, r *http.Request, outputURL string) error {
	path, err := s.Resolve(outputURL)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open render: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat render: %w", err)
	}
	if stat.IsDir() {
		return fmt.Errorf("render output %s is a directory: %w", path, os.ErrNotExist)
	}

	s.logger.Debug("serving render", "path", path, "size", stat.Size(), "range", r.Header.Get("Range"))
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), file)
	return nil
}
