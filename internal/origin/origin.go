// Package origin normalizes browser Origin values and decides whether a
// signaling request from a given origin is accepted.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed frames and file://
// pages.
const Null = "null"

// Wildcard allows every origin when present in an allow list.
const Wildcard = "*"

// Normalize validates an Origin header or a configured origin and returns it
// as scheme://host[:port] together with the host[:port] part. Scheme and host
// are lower-cased and the scheme's default port is dropped.
func Normalize(raw string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "":
		return "", "", false
	case Null:
		return Null, "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a request carrying originHeader for requestHost may
// proceed. A missing header is a non-browser client and is allowed. A
// same-host origin is always allowed. Otherwise the normalized origin must be
// listed in allowed, or allowed must contain Wildcard.
//
// Scheme is not compared for same-host checks: the peer may sit behind a
// TLS-terminating proxy and see plain HTTP while the browser sent https.
func Allowed(originHeader, requestHost string, allowed []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == Wildcard || a == normalized {
			return true
		}
	}
	if normalized == Null {
		return false
	}
	scheme := normalized[:strings.Index(normalized, "://")]
	reqHost, ok := normalizeAuthority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == host
}

// ContainsWildcard reports whether origins allows every origin.
func ContainsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == Wildcard {
			return true
		}
	}
	return false
}

func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// returned hostname has the brackets removed.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
