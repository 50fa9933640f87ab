package middleware

import (
	"net/http"
	"net/url"
)

// SameOrigin rejects state-changing requests sent by a browser from a page
// that is neither the dashboard itself nor listed in allowed. Requests that
// carry no browser origin information at all (CLI tools, tests) pass.
func SameOrigin(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			fetchSite := r.Header.Get("Sec-Fetch-Site")
			if fetchSite == "same-origin" || fetchSite == "none" {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = refererOrigin(r.Referer())
			}
			if origin == "" && fetchSite == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !TrustedOrigin(r, allowed, origin) {
				http.Error(w, "cross-origin request rejected", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedOrigin reports whether origin is r's own origin or allowed by allowed.
func TrustedOrigin(r *http.Request, allowed []string, origin string) bool {
	if origin == "" || origin == "null" {
		return false
	}
	if OriginAllowed(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == r.Host
}

// OriginHosts converts allowed origins to the host patterns websocket.Accept
// matches against.
func OriginHosts(allowed []string) []string {
	hosts := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}

func refererOrigin(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
