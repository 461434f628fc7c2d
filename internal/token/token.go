// Package token derives the per-tenant gateway credential.
package token

import (
	"fmt"
	"hash/fnv"
)

// Derive maps a tenant slug to its gateway token. The mapping is pure and
// deterministic, so the token can be recomputed anywhere without a backend
// round trip. The token is a pairing handle, not a security boundary; the
// gateway's own access control is what protects the session.
func Derive(slug string) string {
	h := fnv.New32a()
	h.Write([]byte(slug))
	return fmt.Sprintf("%s_token_%08x", slug, h.Sum32())
}
