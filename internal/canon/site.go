package canon

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SameSite reports whether two hosts share a registrable domain. IP
// literals only match themselves.
func SameSite(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	if net.ParseIP(a) != nil || net.ParseIP(b) != nil {
		return false
	}
	siteA, errA := publicsuffix.EffectiveTLDPlusOne(a)
	siteB, errB := publicsuffix.EffectiveTLDPlusOne(b)
	if errA != nil || errB != nil {
		return false
	}
	return siteA == siteB
}

// HostAllowed reports whether target may be reached on behalf of origin:
// same registrable domain, or target equal to or under one of allowed.
func HostAllowed(origin, target string, allowed []string) bool {
	target = strings.ToLower(target)
	if SameSite(origin, target) {
		return true
	}
	for _, domainName := range allowed {
		domainName = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domainName), "."))
		if domainName == "" {
			continue
		}
		if target == domainName || strings.HasSuffix(target, "."+domainName) {
			return true
		}
	}
	return false
}

// RedactURL drops userinfo, query and fragment so a URL can be logged.
// Unparseable input is replaced entirely.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[invalid url]"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
