package sampler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"

	"github.com/hostpulse/hostpulse/pkg/telemetry"
)

const defaultPublicIPURL = "https://api.ipify.org?format=json"

// netInfoReader gathers the host's network facts. Every lookup is
// best-effort: a host with no route to the internet still produces a usable
// (if emptier) result.
type netInfoReader struct {
	logger      *slog.Logger
	publicIPURL string
	client      *retryablehttp.Client
}

func newNetInfoReader(logger *slog.Logger, publicIPURL string) *netInfoReader {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 3 * time.Second
	client.Logger = nil

	return &netInfoReader{
		logger:      logger,
		publicIPURL: publicIPURL,
		client:      client,
	}
}

func (n *netInfoReader) read(ctx context.Context) telemetry.NetworkInfo {
	info := telemetry.NetworkInfo{
		Interfaces: map[string][]string{},
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	info.LocalIP = localIP()
	info.FQDN = fqdn(ctx, info.LocalIP, info.Hostname)
	info.PublicIP = n.publicIP(ctx)

	ifaces, err := net.Interfaces()
	if err != nil {
		n.logger.With("err", err).Debug("listing network interfaces")
		return info
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		v4 := lo.FilterMap(addrs, func(a net.Addr, _ int) (string, bool) {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				return "", false
			}
			return ipnet.IP.String(), true
		})
		info.Interfaces[iface.Name] = v4
	}
	return info
}

// localIP finds the primary outbound IPv4 address. Dialing UDP to a public
// address picks the default route's source IP without sending any packets.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

func fqdn(ctx context.Context, localIP, fallback string) string {
	if localIP == "" {
		return fallback
	}
	lookupCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(lookupCtx, localIP)
	if err != nil || len(names) == 0 {
		return fallback
	}
	name := names[0]
	if len(name) > 0 && name[len(name)-1] == '.' {
		name = name[:len(name)-1]
	}
	return name
}

func (n *netInfoReader) publicIP(ctx context.Context) string {
	if n.publicIPURL == "" {
		return ""
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, n.publicIPURL, nil)
	if err != nil {
		return ""
	}
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.With("err", err).Debug("public IP lookup failed")
		return ""
	}
	defer resp.Body.Close()

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.IP
}
