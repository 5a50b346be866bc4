package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
)

// Prober actively checks whether the remote side answers.
// A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a lightweight GET against a known resource.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProber creates an HTTPProber with its own client.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:     url,
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

// Probe returns nil on any 2xx answer within the timeout.
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrProbeFailed, "build probe request", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrProbeFailed, "probe request", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrProbeFailed, fmt.Sprintf("probe returned %d", resp.StatusCode))
	}
	return nil
}

// LinkSource reports the passive link state of the device.
type LinkSource interface {
	LinkUp() bool
}

// LinkFunc adapts a function to LinkSource.
type LinkFunc func() bool

// LinkUp implements LinkSource.
func (f LinkFunc) LinkUp() bool { return f() }

// InterfaceLinkSource treats the link as up when any non-loopback
// interface is up and has an address.
type InterfaceLinkSource struct{}

// LinkUp implements LinkSource.
func (InterfaceLinkSource) LinkUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
