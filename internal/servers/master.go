package servers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// maxDirectoryBody caps how much of the master list response is read.
const maxDirectoryBody = 1 << 20

// Resolver produces the current list of server addresses.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// Directory resolves the master server list from a plain-text HTTP resource
// holding one host:port per line.
type Directory struct {
	URL    string
	Client *http.Client
}

// NewDirectory returns a Directory for url whose requests give up after timeout.
func NewDirectory(url string, timeout time.Duration) *Directory {
	return &Directory{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Resolve fetches the master list. On any failure it returns an empty, non-nil
// slice together with an error wrapping ErrDirectoryUnavailable.
func (d *Directory) Resolve(ctx context.Context) ([]string, error) {
	body, err := d.fetch(ctx)
	if err != nil {
		metricDirectoryErrors.Inc()
		return []string{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	addrs := ParseDirectory(body)
	klog.V(1).InfoS("Resolved master list", "url", d.URL, "servers", len(addrs))
	return addrs, nil
}

func (d *Directory) fetch(ctx context.Context) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("master list returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectoryBody))
	if err != nil {
		return "", fmt.Errorf("read master list: %w", err)
	}
	return string(data), nil
}

// ParseDirectory splits a master list body into addresses, dropping blank lines
// and keeping the original order.
func ParseDirectory(body string) []string {
	addrs := []string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		addrs = append(addrs, line)
	}
	return addrs
}
