package core

import (
	"fmt"
	"strings"
	"time"
)

// ReferenceKind tells how a Reference reaches its object.
type ReferenceKind uint8

const (
	// RefDirect carries concrete endpoints
	RefDirect ReferenceKind = iota

	// RefIndirectAdapter names an object adapter id to be resolved
	RefIndirectAdapter

	// RefIndirectGroup names a replica group id to be resolved
	RefIndirectGroup

	// RefWellKnown carries only an identity; the directory knows where it lives
	RefWellKnown
)

// String returns the string representation of ReferenceKind.
func (k ReferenceKind) String() string {
	switch k {
	case RefDirect:
		return "direct"
	case RefIndirectAdapter:
		return "indirect_adapter"
	case RefIndirectGroup:
		return "indirect_group"
	case RefWellKnown:
		return "well_known"
	default:
		return "unknown"
	}
}

// Reference describes how to reach an object. It is immutable; the
// With* methods return modified copies.
type Reference struct {
	kind         ReferenceKind
	identity     Identity
	facet        string
	mode         Mode
	context      Context
	endpoints    []Endpoint
	location     string
	selection    Selection
	cacheTimeout time.Duration
}

// NewDirectReference creates a reference bound to concrete endpoints.
func NewDirectReference(id Identity, endpoints []Endpoint) (Reference, error) {
	if err := id.Validate(); err != nil {
		return Reference{}, err
	}
	if len(endpoints) == 0 {
		return Reference{}, &Error{Kind: KindMalformedReference, ID: id.String(), Err: fmt.Errorf("direct reference requires endpoints")}
	}
	return Reference{
		kind:         RefDirect,
		identity:     id,
		endpoints:    cloneEndpoints(endpoints),
		cacheTimeout: CacheTimeoutDefault,
	}, nil
}

// NewIndirectReference creates a reference resolved through an adapter id.
func NewIndirectReference(id Identity, adapterID string) (Reference, error) {
	return newLocatedReference(RefIndirectAdapter, id, adapterID)
}

// NewReplicaGroupReference creates a reference resolved through a replica group id.
func NewReplicaGroupReference(id Identity, groupID string) (Reference, error) {
	return newLocatedReference(RefIndirectGroup, id, groupID)
}

// NewWellKnownReference creates a reference that carries only an identity.
func NewWellKnownReference(id Identity) (Reference, error) {
	if err := id.Validate(); err != nil {
		return Reference{}, err
	}
	return Reference{kind: RefWellKnown, identity: id, cacheTimeout: CacheTimeoutDefault}, nil
}

func newLocatedReference(kind ReferenceKind, id Identity, location string) (Reference, error) {
	if err := id.Validate(); err != nil {
		return Reference{}, err
	}
	if location == "" {
		return Reference{}, &Error{Kind: KindMalformedReference, ID: id.String(), Err: fmt.Errorf("%s reference requires a location", kind)}
	}
	return Reference{kind: kind, identity: id, location: location, cacheTimeout: CacheTimeoutDefault}, nil
}

// Kind returns how the reference is resolved.
func (r Reference) Kind() ReferenceKind { return r.kind }

// Identity returns the target identity.
func (r Reference) Identity() Identity { return r.identity }

// Facet returns the target facet; empty is the default facet.
func (r Reference) Facet() string { return r.facet }

// Mode returns the invocation mode.
func (r Reference) Mode() Mode { return r.mode }

// Selection returns the endpoint-selection policy.
func (r Reference) Selection() Selection { return r.selection }

// LocatorCacheTimeout returns the per-reference cache timeout override.
func (r Reference) LocatorCacheTimeout() time.Duration { return r.cacheTimeout }

// Context returns a copy of the per-reference context.
func (r Reference) Context() Context { return r.context.Clone() }

// Endpoints returns a copy of the direct endpoints.
func (r Reference) Endpoints() []Endpoint { return cloneEndpoints(r.endpoints) }

// AdapterID returns the adapter id of an indirect-by-adapter reference.
func (r Reference) AdapterID() string {
	if r.kind == RefIndirectAdapter {
		return r.location
	}
	return ""
}

// ReplicaGroupID returns the group id of an indirect-by-group reference.
func (r Reference) ReplicaGroupID() string {
	if r.kind == RefIndirectGroup {
		return r.location
	}
	return ""
}

// IsDirect reports whether the reference already carries endpoints.
func (r Reference) IsDirect() bool { return r.kind == RefDirect }

// IsIndirect reports whether the reference needs directory resolution.
func (r Reference) IsIndirect() bool { return r.kind != RefDirect }

// IsWellKnown reports whether the reference carries only an identity.
func (r Reference) IsWellKnown() bool { return r.kind == RefWellKnown }

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool { return r.identity.Name == "" }

// WithFacet returns a copy targeting facet.
func (r Reference) WithFacet(facet string) Reference {
	r.facet = facet
	return r
}

// WithMode returns a copy using mode.
func (r Reference) WithMode(mode Mode) Reference {
	r.mode = mode
	return r
}

// WithContext returns a copy carrying ctx as its per-reference context.
func (r Reference) WithContext(ctx Context) Reference {
	r.context = ctx.Clone()
	return r
}

// WithSelection returns a copy using the selection policy.
func (r Reference) WithSelection(s Selection) Reference {
	r.selection = s
	return r
}

// WithLocatorCacheTimeout returns a copy overriding the resolver's cache timeout.
func (r Reference) WithLocatorCacheTimeout(d time.Duration) Reference {
	r.cacheTimeout = d
	return r
}

// WithEndpoints returns a direct copy bound to endpoints.
func (r Reference) WithEndpoints(endpoints []Endpoint) (Reference, error) {
	if len(endpoints) == 0 {
		return Reference{}, &Error{Kind: KindMalformedReference, ID: r.identity.String(), Err: fmt.Errorf("direct reference requires endpoints")}
	}
	r.kind = RefDirect
	r.location = ""
	r.endpoints = cloneEndpoints(endpoints)
	return r, nil
}

// WithAdapterID returns an indirect copy resolved through adapterID.
func (r Reference) WithAdapterID(adapterID string) (Reference, error) {
	if adapterID == "" {
		return Reference{}, &Error{Kind: KindMalformedReference, ID: r.identity.String(), Err: fmt.Errorf("empty adapter id")}
	}
	r.kind = RefIndirectAdapter
	r.location = adapterID
	r.endpoints = nil
	return r, nil
}

// String renders the stringified proxy form of the reference.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.identity.String())
	if r.facet != "" {
		b.WriteString(" -f ")
		b.WriteString(r.facet)
	}
	switch r.mode {
	case ModeOneway:
		b.WriteString(" -o")
	case ModeBatchOneway:
		b.WriteString(" -O")
	case ModeDatagram:
		b.WriteString(" -d")
	case ModeBatchDatagram:
		b.WriteString(" -D")
	default:
		b.WriteString(" -t")
	}

	switch r.kind {
	case RefDirect:
		for _, ep := range r.endpoints {
			b.WriteString(":")
			b.WriteString(ep.String())
		}
	case RefIndirectAdapter:
		b.WriteString(" @ ")
		b.WriteString(r.location)
	case RefIndirectGroup:
		b.WriteString(" -g @ ")
		b.WriteString(r.location)
	}
	return b.String()
}

// MarshalText encodes the reference in its stringified form.
func (r Reference) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a stringified reference.
func (r *Reference) UnmarshalText(text []byte) error {
	parsed, err := ParseReference(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReference parses the stringified proxy form produced by String.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, malformed(s, "empty reference")
	}

	head, tail := s, ""
	sep := byte(0)
	if i := strings.IndexAny(s, ":@"); i >= 0 {
		head, tail, sep = s[:i], s[i+1:], s[i]
	}

	fields := strings.Fields(head)
	if len(fields) == 0 {
		return Reference{}, malformed(s, "missing identity")
	}
	id, err := ParseIdentity(fields[0])
	if err != nil {
		return Reference{}, err
	}

	var (
		facet string
		mode  = ModeTwoway
		group bool
	)
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "-f":
			if i+1 >= len(fields) {
				return Reference{}, malformed(s, "no argument for -f")
			}
			facet = fields[i+1]
			i++
		case "-t":
			mode = ModeTwoway
		case "-o":
			mode = ModeOneway
		case "-O":
			mode = ModeBatchOneway
		case "-d":
			mode = ModeDatagram
		case "-D":
			mode = ModeBatchDatagram
		case "-g":
			group = true
		default:
			return Reference{}, malformed(s, fmt.Sprintf("unknown option %s", fields[i]))
		}
	}

	var ref Reference
	switch sep {
	case ':':
		endpoints, err := ParseEndpoints(tail)
		if err != nil {
			return Reference{}, err
		}
		ref, err = NewDirectReference(id, endpoints)
		if err != nil {
			return Reference{}, err
		}
	case '@':
		location := strings.TrimSpace(tail)
		if group {
			ref, err = NewReplicaGroupReference(id, location)
		} else {
			ref, err = NewIndirectReference(id, location)
		}
		if err != nil {
			return Reference{}, err
		}
	default:
		ref, err = NewWellKnownReference(id)
		if err != nil {
			return Reference{}, err
		}
	}

	return ref.WithFacet(facet).WithMode(mode), nil
}

func cloneEndpoints(endpoints []Endpoint) []Endpoint {
	if endpoints == nil {
		return nil
	}
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints)
	return out
}
