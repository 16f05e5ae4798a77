// Package keys defines the canonical cache key format for request URLs.
package keys

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Canonical maps a request URL to its cache key. Query parameters are
// sorted so equivalent URLs share an entry; a hash of the normalized form
// is appended so truncation or sanitization can never collide two
// distinct requests.
func Canonical(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return fmt.Sprintf("opaque:%016x", xxhash.Sum64String(raw))
	}

	q := u.Query()
	names := make([]string, 0, len(q))
	for k := range q {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.Path)
	for i, k := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}

	base := b.String()
	return fmt.Sprintf("%s#%016x", base, xxhash.Sum64String(base))
}
