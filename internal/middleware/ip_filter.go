package middleware

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// IPFilter rejects requests whose source address is outside the allowlist.
// Entries are single addresses or CIDR ranges; an empty list allows everything.
func IPFilter(allowedIPs []string, logger *zap.Logger) func(http.Handler) http.Handler {
	nets := parseAllowlist(allowedIPs, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedIPs) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := getRealIP(r)
			if !isIPAllowed(clientIP, nets) {
				logger.Warn("Rejected webhook from disallowed source",
					zap.String("client_ip", clientIP),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Forbidden: Source IP not allowed", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// parseAllowlist turns every entry into a network; bare addresses become /32 or /128
func parseAllowlist(allowed []string, logger *zap.Logger) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(allowed))
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				logger.Warn("Ignoring invalid allowlist entry", zap.String("entry", entry))
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn("Ignoring invalid allowlist entry", zap.String("entry", entry), zap.Error(err))
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// getRealIP extracts the client IP; chi's RealIP middleware has already applied
// X-Real-IP and X-Forwarded-For to RemoteAddr when it runs first.
func getRealIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func isIPAllowed(clientIP string, nets []*net.IPNet) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
