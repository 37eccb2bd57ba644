package stealth

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is one stored cookie. Domain always carries a leading dot and
// matches the domain itself plus every subdomain.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	// Domain is normalized to ".example.com".
	Domain string `json:"domain"`
	Path   string `json:"path"`
	// Expires is zero for session cookies.
	Expires  time.Time `json:"expires,omitzero"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

func (c Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

type cookieKey struct {
	domain, path, name string
}

// CookieJar stores cookies keyed by (domain, path, name). Expired cookies are
// purged lazily whenever they are encountered on read. CookieJar also
// satisfies http.CookieJar so it can back an http.Client or colly collector.
type CookieJar struct {
	mu      sync.Mutex
	cookies map[cookieKey]Cookie
	now     func() time.Time
}

// NewCookieJar returns an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{
		cookies: make(map[cookieKey]Cookie),
		now:     time.Now,
	}
}

var _ http.CookieJar = (*CookieJar)(nil)

// SetCookie adds or replaces c. Cookies without a name or domain, or scoped
// to a public suffix such as ".co.kr", are rejected.
func (j *CookieJar) SetCookie(c Cookie) bool {
	if c.Name == "" {
		return false
	}
	domain, ok := normalizeDomain(c.Domain)
	if !ok {
		return false
	}
	c.Domain = domain
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = "/"
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	key := cookieKey{c.Domain, c.Path, c.Name}
	if c.expired(j.now()) {
		delete(j.cookies, key)
		return true
	}
	j.cookies[key] = c
	return true
}

// SetCookiesFromHeader parses raw Set-Cookie header values received from
// requestURL and stores the valid ones. Max-Age takes precedence over
// Expires; Max-Age <= 0 deletes the cookie. It returns the number applied.
func (j *CookieJar) SetCookiesFromHeader(requestURL string, headers ...string) int {
	u, err := url.Parse(requestURL)
	if err != nil || u.Hostname() == "" {
		return 0
	}
	host := strings.ToLower(u.Hostname())
	applied := 0
	for _, raw := range headers {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		hc, err := http.ParseSetCookie(raw)
		if err != nil {
			continue
		}
		if j.setHTTPCookie(host, hc) {
			applied++
		}
	}
	return applied
}

// SetCookies implements http.CookieJar.
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil {
		return
	}
	host := strings.ToLower(u.Hostname())
	for _, hc := range cookies {
		j.setHTTPCookie(host, hc)
	}
}

func (j *CookieJar) setHTTPCookie(host string, hc *http.Cookie) bool {
	if hc == nil || hc.Name == "" {
		return false
	}
	domain := host
	if hc.Domain != "" {
		attr := strings.ToLower(strings.TrimPrefix(hc.Domain, "."))
		// A response may only scope a cookie to its own host or a parent of it.
		if !domainMatches("."+attr, host) {
			return false
		}
		domain = attr
	}
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   domain,
		Path:     hc.Path,
		HTTPOnly: hc.HttpOnly,
		Secure:   hc.Secure,
		SameSite: sameSiteString(hc.SameSite),
	}
	now := j.clock()
	switch {
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case hc.MaxAge < 0:
		c.Expires = now
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires
	}
	return j.SetCookie(c)
}

// CookiesFor returns the unexpired cookies that apply to rawURL, longest
// path first.
func (j *CookieJar) CookiesFor(rawURL string) []Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return j.match(u)
}

// CookieHeader formats the cookies for rawURL as a Cookie request header
// value, or "" when none apply.
func (j *CookieJar) CookieHeader(rawURL string) string {
	cookies := j.CookiesFor(rawURL)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Cookies implements http.CookieJar.
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	matched := j.match(u)
	out := make([]*http.Cookie, 0, len(matched))
	for _, c := range matched {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

func (j *CookieJar) match(u *url.URL) []Cookie {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https" || u.Scheme == "wss"

	j.mu.Lock()
	now := j.now()
	var out []Cookie
	for key, c := range j.cookies {
		if c.expired(now) {
			delete(j.cookies, key)
			continue
		}
		if !domainMatches(c.Domain, host) || !pathMatches(c.Path, path) {
			continue
		}
		if c.Secure && !secure {
			continue
		}
		out = append(out, c)
	}
	j.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if len(out[a].Path) != len(out[b].Path) {
			return len(out[a].Path) > len(out[b].Path)
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// RemoveCookie deletes the named cookie for domain. An empty path removes it
// across every path.
func (j *CookieJar) RemoveCookie(name, domain, path string) int {
	d, ok := normalizeDomain(domain)
	if !ok {
		return 0
	}
	return j.removeWhere(func(k cookieKey) bool {
		return k.domain == d && k.name == name && (path == "" || k.path == path)
	})
}

// ClearDomain deletes every cookie stored for exactly domain.
func (j *CookieJar) ClearDomain(domain string) int {
	d, ok := normalizeDomain(domain)
	if !ok {
		return 0
	}
	return j.removeWhere(func(k cookieKey) bool { return k.domain == d })
}

// ClearExpired purges expired cookies and returns how many were removed.
func (j *CookieJar) ClearExpired() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	removed := 0
	for key, c := range j.cookies {
		if c.expired(now) {
			delete(j.cookies, key)
			removed++
		}
	}
	return removed
}

// ClearAll empties the jar.
func (j *CookieJar) ClearAll() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[cookieKey]Cookie)
}

// Len reports the number of stored cookies, including expired ones not yet purged.
func (j *CookieJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

// Export returns the unexpired cookies in a stable order for persistence.
func (j *CookieJar) Export() []Cookie {
	j.ClearExpired()
	j.mu.Lock()
	out := make([]Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, c)
	}
	j.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Import stores previously exported cookies and returns how many were accepted.
func (j *CookieJar) Import(cookies []Cookie) int {
	n := 0
	for _, c := range cookies {
		if j.SetCookie(c) {
			n++
		}
	}
	return n
}

func (j *CookieJar) clock() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.now()
}

func (j *CookieJar) removeWhere(match func(cookieKey) bool) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for key := range j.cookies {
		if match(key) {
			delete(j.cookies, key)
			removed++
		}
	}
	return removed
}

func normalizeDomain(domain string) (string, bool) {
	d := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(domain, ".")))
	if d == "" {
		return "", false
	}
	if net.ParseIP(d) == nil {
		if ps, icann := publicsuffix.PublicSuffix(d); ps == d && (icann || strings.Contains(d, ".")) {
			return "", false
		}
	}
	return "." + d, true
}

func domainMatches(cookieDomain, host string) bool {
	d := strings.TrimPrefix(cookieDomain, ".")
	return host == d || strings.HasSuffix(host, "."+d)
}

func pathMatches(cookiePath, requestPath string) bool {
	if cookiePath == requestPath || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}
