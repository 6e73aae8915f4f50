package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"unicode"
)

const maxOwnerIDLength = 128

// DetectionMetrics tracks rejected requests.
type DetectionMetrics struct {
	InvalidOwnerIDs int64
}

// Detector validates caller-supplied identity and resolves client
// addresses behind local proxies.
type Detector struct {
	metrics        *DetectionMetrics
	trustedProxies []*net.IPNet
}

func NewDetector() *Detector {
	return &Detector{
		metrics: &DetectionMetrics{},
		trustedProxies: []*net.IPNet{
			parseCIDR("127.0.0.0/8"),
			parseCIDR("::1/128"),
		},
	}
}

func parseCIDR(cidr string) *net.IPNet {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("failed to parse trusted proxy CIDR %s: %v", cidr, err))
	}
	return network
}

// CheckOwnerID accepts non-empty printable ids without whitespace, up to
// 128 bytes. Owner ids end up in AMQP routing keys, so '.', '*' and '#'
// are rejected too.
func (d *Detector) CheckOwnerID(id string) error {
	err := checkOwnerID(id)
	if err != nil {
		atomic.AddInt64(&d.metrics.InvalidOwnerIDs, 1)
	}
	return err
}

func checkOwnerID(id string) error {
	if id == "" {
		return fmt.Errorf("owner id is required")
	}
	if len(id) > maxOwnerIDLength {
		return fmt.Errorf("owner id longer than %d bytes", maxOwnerIDLength)
	}
	if strings.ContainsAny(id, ".*#") {
		return fmt.Errorf("owner id contains a reserved character")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("owner id contains whitespace or control characters")
		}
	}
	return nil
}

// ExtractClientIP returns the peer address, or the forwarded address when
// the peer is a trusted local proxy.
func (d *Detector) ExtractClientIP(r *http.Request) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}

	parsed := net.ParseIP(directIP)
	if parsed == nil || !d.isTrustedProxy(parsed) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); net.ParseIP(xri) != nil {
		return xri
	}
	return directIP
}

func (d *Detector) isTrustedProxy(ip net.IP) bool {
	for _, network := range d.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// AddTrustedProxy adds a trusted proxy network
func (d *Detector) AddTrustedProxy(cidr string) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %s: %w", cidr, err)
	}
	d.trustedProxies = append(d.trustedProxies, network)
	return nil
}

func (d *Detector) GetMetrics() DetectionMetrics {
	return DetectionMetrics{
		InvalidOwnerIDs: atomic.LoadInt64(&d.metrics.InvalidOwnerIDs),
	}
}
