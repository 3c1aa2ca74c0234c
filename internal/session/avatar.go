package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// maxAvatarBytes caps a downloaded avatar.
const maxAvatarBytes = 2 << 20

// HTTPAvatars downloads remote avatars into a disk cache keyed by URL and
// returns the cached file path as the icon reference.
type HTTPAvatars struct {
	client *http.Client
	mu     sync.Mutex
	dir    string
}

// NewHTTPAvatars creates a resolver caching into dir.
func NewHTTPAvatars(dir string, client *http.Client) (*HTTPAvatars, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create avatar cache: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultAvatarFetch}
	}
	return &HTTPAvatars{client: client, dir: dir}, nil
}

func (a *HTTPAvatars) filePath(ref string) string {
	return filepath.Join(a.dir, strconv.FormatUint(xxhash.Sum64String(ref), 16)+".img")
}

// Resolve returns the cached file for ref, fetching it first if needed.
func (a *HTTPAvatars) Resolve(ctx context.Context, ref string) (string, error) {
	path := a.filePath(ref)

	a.mu.Lock()
	_, err := os.Stat(path)
	a.mu.Unlock()
	if err == nil {
		return path, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("avatar request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch avatar: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	if len(data) > maxAvatarBytes {
		return "", fmt.Errorf("avatar exceeds %d bytes", maxAvatarBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("avatar is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("cache avatar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("cache avatar: %w", err)
	}
	return path, nil
}
