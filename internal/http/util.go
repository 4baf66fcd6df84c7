package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseUintQuery is parseIntQuery for unsigned values such as job versions.
func parseUintQuery(r *http.Request, key string, def uint64) uint64 {
	if v := r.URL.Query().Get(key); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return def
}

// parseWaitQuery reads a wait budget given either as a Go duration ("15s") or in whole seconds.
// The result is clamped to [0, maxWait].
func parseWaitQuery(r *http.Request, key string, def, maxWait time.Duration) time.Duration {
	wait := def
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wait = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	return min(max(wait, 0), maxWait)
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
// - defLimit: default limit when not specified
// - maxLimit: maximum allowed limit (values > maxLimit are clamped to maxLimit).
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	if maxLimit < 1 {
		maxLimit = 1
	}

	lim := parseIntQuery(r, "limit", defLimit)
	off := parseIntQuery(r, "offset", 0)
	if lim < 1 {
		lim = 1
	}
	if lim > maxLimit {
		lim = maxLimit
	}
	if off < 0 {
		off = 0
	}
	return lim, off
}

// pathID returns the {id} path value or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id is required")})
		return "", false
	}
	return id, true
}
