package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// CredentialField names the certificate field a required credential is matched against.
type CredentialField int

const (
	// CredentialFieldCN matches the subject common name.
	CredentialFieldCN CredentialField = iota
	// CredentialFieldSANDNS matches DNS Subject Alternative Names.
	CredentialFieldSANDNS
	// CredentialFieldSANURI matches URI Subject Alternative Names.
	CredentialFieldSANURI
)

// String returns the configuration spelling of the field.
func (f CredentialField) String() string {
	switch f {
	case CredentialFieldCN:
		return "CN"
	case CredentialFieldSANDNS:
		return "SAN_DNS"
	case CredentialFieldSANURI:
		return "SAN_URI"
	default:
		return fmt.Sprintf("CredentialField(%d)", int(f))
	}
}

// ParseCredentialField parses the configuration spelling of a credential field.
func ParseCredentialField(s string) (CredentialField, error) {
	switch s {
	case "CN":
		return CredentialFieldCN, nil
	case "SAN_DNS":
		return CredentialFieldSANDNS, nil
	case "SAN_URI":
		return CredentialFieldSANURI, nil
	default:
		return 0, fmt.Errorf("unknown credential field %q, expected one of CN, SAN_DNS, SAN_URI", s)
	}
}

// CredentialMatchPattern is a compiled, fully anchored matcher for a credential value.
type CredentialMatchPattern interface {
	Matches(value string) bool
}

type globPattern struct {
	glob string
	re   *regexp.Regexp
}

func (p *globPattern) Matches(value string) bool {
	return p.re.MatchString(value)
}

func (p *globPattern) String() string {
	return p.glob
}

type exactPattern struct {
	literal string
}

func (p exactPattern) Matches(value string) bool {
	return p.literal == value
}

func (p exactPattern) String() string {
	return p.literal
}

// NewDNSGlobPattern compiles a glob delimited by '.'. A '*' matches zero or more
// characters and a '?' exactly one character, neither of which may be the delimiter,
// so a wildcard never spans more than one DNS label.
func NewDNSGlobPattern(glob string) (CredentialMatchPattern, error) {
	return compileGlob(glob, '.', true)
}

// NewURIGlobPattern compiles a glob delimited by '/'. A '*' is bounded by path
// segments; '?' has no special meaning and matches a literal question mark.
func NewURIGlobPattern(glob string) (CredentialMatchPattern, error) {
	return compileGlob(glob, '/', false)
}

// NewExactMatchPattern returns a matcher that only accepts the literal value.
func NewExactMatchPattern(literal string) CredentialMatchPattern {
	return exactPattern{literal: literal}
}

func compileGlob(glob string, delimiter byte, supportSingleCharWildcard bool) (CredentialMatchPattern, error) {
	notDelimiter := "[^" + regexp.QuoteMeta(string(delimiter)) + "]"

	var b strings.Builder
	b.WriteString("^")
	literalStart := 0
	flushLiteral := func(end int) {
		if end > literalStart {
			b.WriteString(regexp.QuoteMeta(glob[literalStart:end]))
		}
	}
	for i := 0; i < len(glob); i++ {
		switch {
		case glob[i] == '*':
			flushLiteral(i)
			b.WriteString(notDelimiter + "*")
			literalStart = i + 1
		case glob[i] == '?' && supportSingleCharWildcard:
			flushLiteral(i)
			b.WriteString(notDelimiter)
			literalStart = i + 1
		}
	}
	flushLiteral(len(glob))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile glob %q: %w", glob, err)
	}
	return &globPattern{glob: glob, re: re}, nil
}

// RequiredPeerCredential is a single condition of a peer policy: the given
// certificate field must match the glob pattern.
type RequiredPeerCredential struct {
	field   CredentialField
	pattern string
	matcher CredentialMatchPattern
}

// NewRequiredPeerCredential compiles pattern with the glob dialect of field.
func NewRequiredPeerCredential(field CredentialField, pattern string) (RequiredPeerCredential, error) {
	var (
		matcher CredentialMatchPattern
		err     error
	)
	switch field {
	case CredentialFieldCN, CredentialFieldSANDNS:
		matcher, err = NewDNSGlobPattern(pattern)
	case CredentialFieldSANURI:
		matcher, err = NewURIGlobPattern(pattern)
	default:
		return RequiredPeerCredential{}, fmt.Errorf("unsupported credential field %v", field)
	}
	if err != nil {
		return RequiredPeerCredential{}, err
	}
	return RequiredPeerCredential{field: field, pattern: pattern, matcher: matcher}, nil
}

// MustNewRequiredPeerCredential is NewRequiredPeerCredential that panics on error.
// Use only in tests or with constant patterns.
func MustNewRequiredPeerCredential(field CredentialField, pattern string) RequiredPeerCredential {
	c, err := NewRequiredPeerCredential(field, pattern)
	if err != nil {
		panic(fmt.Sprintf("invalid required credential %v=%q: %v", field, pattern, err))
	}
	return c
}

// Field returns the certificate field the credential applies to.
func (c RequiredPeerCredential) Field() CredentialField {
	return c.field
}

// Pattern returns the original glob.
func (c RequiredPeerCredential) Pattern() string {
	return c.pattern
}

// Matches reports whether value satisfies the compiled pattern.
func (c RequiredPeerCredential) Matches(value string) bool {
	return c.matcher != nil && c.matcher.Matches(value)
}

// MatchesCredentials evaluates the requirement against a peer. A CN requirement
// matches the single common name; SAN requirements match if any entry does.
func (c RequiredPeerCredential) MatchesCredentials(creds PeerCredentials) bool {
	switch c.field {
	case CredentialFieldCN:
		return c.Matches(creds.CommonName)
	case CredentialFieldSANDNS:
		return c.matchesAny(creds.DNSSANs)
	case CredentialFieldSANURI:
		return c.matchesAny(creds.URISANs)
	default:
		return false
	}
}

func (c RequiredPeerCredential) matchesAny(values []string) bool {
	for _, v := range values {
		if c.Matches(v) {
			return true
		}
	}
	return false
}

// String renders the requirement as "field=pattern".
func (c RequiredPeerCredential) String() string {
	return c.field.String() + "=" + c.pattern
}
