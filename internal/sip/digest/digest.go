// Package digest implements RFC 2617 WWW-Authenticate digest auth (MD5,
// qop=auth) for SIP REGISTER challenges, per spec §4.5's password-check path.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Challenge is the server-generated state for one in-flight 401 round trip.
type Challenge struct {
	Realm string
	Nonce string
	Opaque string
	QOP   string // always "auth" in this profile
}

// NewChallenge mints a fresh nonce for realm.
func NewChallenge(realm string) Challenge {
	return Challenge{
		Realm:  realm,
		Nonce:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		Opaque: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		QOP:    "auth",
	}
}

// WWWAuthenticate renders the WWW-Authenticate header value for a 401 response.
func (c Challenge) WWWAuthenticate() string {
	return fmt.Sprintf(`Digest realm=%q, nonce=%q, opaque=%q, qop=%q, algorithm=MD5`,
		c.Realm, c.Nonce, c.Opaque, c.QOP)
}

// Credentials is the parsed Authorization header the device sends back.
type Credentials struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	Response string
	QOP      string
	NC       string
	CNonce   string
	Opaque   string
	Algorithm string
}

// ParseAuthorization parses `Digest username="...", realm="...", ...`.
func ParseAuthorization(header string) (Credentials, error) {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "Digest ")
	header = strings.TrimPrefix(header, "digest ")

	fields := splitParams(header)
	var c Credentials
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "username":
			c.Username = v
		case "realm":
			c.Realm = v
		case "nonce":
			c.Nonce = v
		case "uri":
			c.URI = v
		case "response":
			c.Response = v
		case "qop":
			c.QOP = v
		case "nc":
			c.NC = v
		case "cnonce":
			c.CNonce = v
		case "opaque":
			c.Opaque = v
		case "algorithm":
			c.Algorithm = v
		}
	}
	if c.Username == "" || c.Response == "" || c.Nonce == "" {
		return Credentials{}, fmt.Errorf("digest: missing required field in Authorization header")
	}
	return c, nil
}

// splitParams splits a comma-separated `key=value` or `key="value"` list.
func splitParams(s string) map[string]string {
	out := make(map[string]string)
	var key, val strings.Builder
	inQuotes := false
	inKey := true

	flush := func() {
		k := strings.TrimSpace(key.String())
		v := strings.TrimSpace(val.String())
		v = strings.Trim(v, `"`)
		if k != "" {
			out[k] = v
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			if inKey {
				key.WriteByte(c)
			} else {
				val.WriteByte(c)
			}
		case c == '=' && inKey && !inQuotes:
			inKey = false
		case c == ',' && !inQuotes:
			flush()
		default:
			if inKey {
				key.WriteByte(c)
			} else {
				val.WriteByte(c)
			}
		}
	}
	flush()
	return out
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ExpectedResponse computes the digest response a compliant device should
// send for the given method, credentials, and the device's known password.
func ExpectedResponse(method string, c Credentials, password string) string {
	ha1 := md5hex(fmt.Sprintf("%s:%s:%s", c.Username, c.Realm, password))
	ha2 := md5hex(fmt.Sprintf("%s:%s", method, c.URI))
	if c.QOP != "" {
		return md5hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, c.Nonce, c.NC, c.CNonce, c.QOP, ha2))
	}
	return md5hex(fmt.Sprintf("%s:%s:%s", ha1, c.Nonce, ha2))
}

// Verify reports whether credentials c prove knowledge of password for the
// given request method, and that the nonce matches the outstanding challenge.
func Verify(method string, c Credentials, challenge Challenge, password string) bool {
	if c.Nonce != challenge.Nonce {
		return false
	}
	return ExpectedResponse(method, c, password) == c.Response
}
