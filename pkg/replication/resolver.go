package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"

	"github.com/buger/jsonparser"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

// IPResolver finds the public IPv4 address a server advertises in its address code.
type IPResolver interface {
	Resolve(ctx context.Context) (netip.Addr, error)
}

// HTTPResolver asks a "what is my IP" endpoint. It accepts a JSON reply carrying an "ip"
// field as well as a bare address in plain text.
type HTTPResolver struct {
	URL    string
	Client *http.Client
}

func NewHTTPResolver(url string) *HTTPResolver {
	return &HTTPResolver{URL: url, Client: http.DefaultClient}
}

const maxResolverReply = 4096

func (r *HTTPResolver) Resolve(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, http.NoBody)
	if err != nil {
		return netip.Addr{}, err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%s answered %s", r.URL, res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResolverReply))
	if err != nil {
		return netip.Addr{}, err
	}

	text, err := jsonparser.GetString(body, "ip")
	if err != nil {
		text = string(bytes.TrimSpace(body))
	}

	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("reading reply of %s: %w", r.URL, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s", constants.ErrNotIPv4, addr)
	}
	return addr, nil
}

// StaticResolver always answers with the same address.
type StaticResolver netip.Addr

func (s StaticResolver) Resolve(context.Context) (netip.Addr, error) {
	addr := netip.Addr(s)
	if !addr.IsValid() {
		return netip.Addr{}, constants.ErrPublicAddress
	}
	return addr, nil
}
