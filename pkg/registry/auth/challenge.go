package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/apptainer/singularity-sub000/pkg/thttp"
)

// Challenge is the bearer challenge sent by registry in WWW-Authenticate header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// URL returns the address of the token request: realm?service=S&scope=C.
func (c Challenge) URL() string {
	var query []string
	if c.Service != "" {
		query = append(query, "service="+escape(c.Service))
	}
	if c.Scope != "" {
		query = append(query, "scope="+escape(c.Scope))
	}
	if len(query) == 0 {
		return c.Realm
	}

	separator := "?"
	if strings.Contains(c.Realm, "?") {
		separator = "&"
	}
	return c.Realm + separator + strings.Join(query, "&")
}

// Scopes look like "repository:ns/repo:pull", registries expect ':' and '/' unescaped.
func escape(v string) string {
	return strings.NewReplacer("%3A", ":", "%2F", "/").Replace(url.QueryEscape(v))
}

// ParseChallenge parses bearer challenge from the response header.
func ParseChallenge(header http.Header) (Challenge, error) {
	rawParams, err := thttp.BearerChallenge(header)
	if err != nil {
		return Challenge{}, errors.Wrapf(ErrAuthentication, "%s", err)
	}

	params, err := parseParams(rawParams)
	if err != nil {
		return Challenge{}, err
	}

	c := Challenge{
		Realm:   params["realm"],
		Service: params["service"],
		Scope:   params["scope"],
	}
	if c.Realm == "" {
		return Challenge{}, errors.Wrapf(ErrAuthentication, "no realm in challenge %q", rawParams)
	}
	realm, err := url.Parse(c.Realm)
	if err != nil || (realm.Scheme != "http" && realm.Scheme != "https") {
		return Challenge{}, errors.Wrapf(ErrAuthentication, "invalid realm %q", c.Realm)
	}
	return c, nil
}

// parseParams parses comma-separated key=value pairs. Quoted values may contain commas,
// e.g. scope="repository:ns/repo:pull,push".
func parseParams(s string) (map[string]string, error) {
	params := map[string]string{}
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			return params, nil
		}

		eqPos := strings.IndexByte(s, '=')
		if eqPos <= 0 {
			return nil, errors.Wrapf(ErrAuthentication, "invalid challenge parameter %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eqPos]))
		s = strings.TrimLeft(s[eqPos+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			endPos := strings.IndexByte(s[1:], '"')
			if endPos < 0 {
				return nil, errors.Wrapf(ErrAuthentication, "unterminated quoted value of %q", key)
			}
			value = s[1 : endPos+1]
			s = s[endPos+2:]
		} else {
			endPos := strings.IndexByte(s, ',')
			if endPos < 0 {
				endPos = len(s)
			}
			value = strings.TrimSpace(s[:endPos])
			s = s[endPos:]
		}
		params[key] = value
	}
}
