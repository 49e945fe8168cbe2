package channels

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// maxMediaBytes caps a single inbound media download.
const maxMediaBytes = 50 << 20

var mediaHTTP = &http.Client{Timeout: 60 * time.Second}

// downloadMedia fetches a URL into dir and returns the local path. An
// optional bearer token is attached for platforms that gate file URLs.
func downloadMedia(dir, url, suggestedName, bearer string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no media directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := mediaHTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}

	name := suggestedName
	if name == "" {
		name = filepath.Base(req.URL.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "media"
	}
	path := filepath.Join(dir, uuid.NewString()[:8]+"_"+filepath.Base(name))

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxMediaBytes)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}
