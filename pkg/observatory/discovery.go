package observatory

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/devicelab-dev/flutter-driver/pkg/core"
)

// Matches both the legacy "Observatory listening on" banner and the newer
// "Dart VM service is listening on" one.
var observatoryURIRegex = regexp.MustCompile(`(?:Observatory|Dart VM [Ss]ervice is) listening on ((?:http|//)[a-zA-Z0-9:/=_\-.\[\]]+)`)

// ParseObservatoryURI finds the most recent VM service banner in device log
// lines (oldest first) and returns its websocket endpoint.
func ParseObservatoryURI(lines []string) (*url.URL, error) {
	for i := len(lines) - 1; i >= 0; i-- {
		m := observatoryURIRegex.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		u, err := url.Parse(m[1])
		if err != nil {
			return nil, core.ErrConnection.WithMessagef("invalid Observatory URI %q", m[1]).WithCause(err)
		}
		u.Scheme = "ws"
		u.Path += "ws"
		return u, nil
	}
	return nil, core.ErrConnection.WithMessage("can't find Observatory")
}

// Port returns the TCP port of a VM service URI.
func Port(u *url.URL) (int, error) {
	p := u.Port()
	if p == "" {
		return 0, fmt.Errorf("no port in %s", u)
	}
	return strconv.Atoi(p)
}
