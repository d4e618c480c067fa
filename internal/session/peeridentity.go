package session

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// ErrInvalidPeerIdentityHint indicates that the expected peer identity
// is neither an IP address nor a valid host name.
var ErrInvalidPeerIdentityHint = errors.New("session: invalid peer identity hint")

// NormalizePeerIdentity validates the expected peer identity and
// returns the form we use as the TLS server name: IP addresses are
// returned unchanged, host names in their lowercase ASCII form
// without the trailing dot.
func NormalizePeerIdentity(hint string) (string, error) {
	if hint == "" {
		return "", errors.Wrap(ErrInvalidPeerIdentityHint, "empty hint")
	}
	if net.ParseIP(hint) != nil {
		return hint, nil
	}
	ascii, err := idna.Lookup.ToASCII(hint)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidPeerIdentityHint, "%q: %s", hint, err)
	}
	if _, ok := dns.IsDomainName(ascii); !ok || ascii == "." {
		return "", errors.Wrapf(ErrInvalidPeerIdentityHint, "%q: not a domain name", hint)
	}
	return strings.TrimSuffix(ascii, "."), nil
}
