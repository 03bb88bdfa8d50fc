package attachments

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalResolver serves attachments stored under a directory through a
// static base URL.
type LocalResolver struct {
	basePath string
	baseURL  string
}

// NewLocalResolver creates a resolver rooted at basePath.
func NewLocalResolver(basePath, baseURL string) (*LocalResolver, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("local storage base path is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("local storage base url is required")
	}
	return &LocalResolver{
		basePath: filepath.Clean(basePath),
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

func (r *LocalResolver) ResolveURL(ctx context.Context, storageRef string) (string, error) {
	rel := filepath.Clean("/" + strings.TrimPrefix(storageRef, "file://"))
	full := filepath.Join(r.basePath, rel)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, storageRef)
	}
	if err != nil {
		return "", fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrUnresolvable, storageRef)
	}

	segments := strings.Split(strings.TrimPrefix(filepath.ToSlash(rel), "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return r.baseURL + "/" + strings.Join(segments, "/"), nil
}
