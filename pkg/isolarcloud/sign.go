package isolarcloud

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

const signParam = "sign"

// Sign computes the request digest: every parameter except sign, sorted by
// key, concatenated as key+value, followed by the shared secret, MD5 hex.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == signParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(params[k])
	}
	sb.WriteString(secret)
	return md5Hex(sb.String())
}

// HashPassword is the form the login endpoint expects the password in.
func HashPassword(password string) string {
	return md5Hex(password)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// signed returns a copy of params with the sign parameter attached.
func signed(params map[string]string, secret string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[signParam] = Sign(params, secret)
	return out
}
