// Package gridaddr defines the structured node address and the envelope
// that carries a message or response between scheduler nodes.
package gridaddr

import (
	"strconv"
	"strings"
)

// Address is the seven-field value described by the node-addressing
// grammar: protocol://host/node@task#/path/ or one of the shorthands
// @role, #/path/, host/node, empty.
type Address struct {
	Protocol string
	Host     string
	Node     string
	Task     string
	Path     string // slash-separated virtual path, without the leading "#"
	Role     string // role name, without the leading "@"
	Format   string // optional format tag
}

// ThisRole is the role name meaning "this scheduler" — the literal address "@this".
const ThisRole = "this"

// IsEmpty reports whether the address carries no routable information at
// all (used to trigger command-map lookups in the scheduler).
func (a Address) IsEmpty() bool {
	return a.Protocol == "" && a.Host == "" && a.Node == "" &&
		a.Task == "" && a.Path == "" && a.Role == ""
}

// IsRole reports whether this address is a role reference (@name).
func (a Address) IsRole() bool {
	return a.Role != ""
}

// IsVirtualPath reports whether this address is a virtual path (#/a/b/).
func (a Address) IsVirtualPath() bool {
	return a.Path != "" && a.Role == "" && a.Node == "" && a.Host == ""
}

// IsConcrete reports whether the address already names a concrete node,
// i.e. is not a role and not a virtual path requiring registry resolution.
func (a Address) IsConcrete() bool {
	return !a.IsEmpty() && !a.IsRole() && !a.IsVirtualPath()
}

// WithoutTask returns a copy of the address with the task field cleared,
// used by address comparison and is-own-address checks that normalize by
// optional task stripping.
func (a Address) WithoutTask() Address {
	b := a
	b.Task = ""
	return b
}

// normalizedProtocol returns the protocol used for comparison purposes;
// an empty protocol is treated as equivalent to "grid", the implicit
// in-process protocol.
func (a Address) normalizedProtocol() string {
	if a.Protocol == "" {
		return "grid"
	}
	return strings.ToLower(a.Protocol)
}

// Equal compares two addresses, normalizing by protocol and optionally by
// task stripping (per §3's "Address comparison... normalize by protocol
// and by optional task stripping").
func (a Address) Equal(b Address, ignoreTask bool) bool {
	x, y := a, b
	if ignoreTask {
		x = x.WithoutTask()
		y = y.WithoutTask()
	}
	return x.normalizedProtocol() == y.normalizedProtocol() &&
		x.Host == y.Host && x.Node == y.Node && x.Task == y.Task &&
		x.Path == y.Path && x.Role == y.Role
}

// String renders the address back to its canonical string form.
func (a Address) String() string {
	if a.Role != "" {
		return "@" + a.Role
	}
	if a.IsVirtualPath() {
		return "#/" + strings.Trim(a.Path, "/") + "/"
	}
	if a.IsEmpty() {
		return ""
	}

	var b strings.Builder
	if a.Protocol != "" {
		b.WriteString(a.Protocol)
		b.WriteString("://")
	}
	b.WriteString(a.Host)
	if a.Node != "" {
		if a.Host != "" {
			b.WriteByte('/')
		}
		b.WriteString(a.Node)
	}
	if a.Task != "" {
		b.WriteByte('@')
		b.WriteString(a.Task)
	}
	if a.Path != "" {
		b.WriteString("#/")
		b.WriteString(strings.Trim(a.Path, "/"))
		b.WriteByte('/')
	}
	return b.String()
}

// ParseAddress parses the string surface forms of an address: raw string,
// default (host/node@task), role (@name), virtual path (#/a/b/), or empty.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}
	}

	if strings.HasPrefix(s, "@") {
		return Address{Role: s[1:]}
	}

	var a Address
	rest := s

	if idx := strings.Index(rest, "://"); idx >= 0 {
		a.Protocol = rest[:idx]
		rest = rest[idx+3:]
	}

	if idx := strings.Index(rest, "#"); idx >= 0 {
		pathPart := rest[idx+1:]
		rest = rest[:idx]
		a.Path = strings.Trim(pathPart, "/")
	}

	if rest == "" {
		return a
	}

	if idx := strings.Index(rest, "@"); idx >= 0 {
		a.Task = rest[idx+1:]
		rest = rest[:idx]
	}

	if idx := strings.Index(rest, "/"); idx >= 0 {
		a.Host = rest[:idx]
		a.Node = rest[idx+1:]
	} else {
		a.Node = rest
	}

	return a
}

// RequestID uniquely identifies a waiting request; zero means "no response
// expected".
type RequestID uint64

// ParseRequestID is a small helper used by external collaborators that
// decode request ids out of string-typed wire formats.
func ParseRequestID(s string) (RequestID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return RequestID(v), nil
}
