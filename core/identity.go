package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity names an object within the scope of an object adapter.
type Identity struct {
	Name     string `cbor:"1,keyasint" yaml:"name" json:"name"`
	Category string `cbor:"2,keyasint,omitempty" yaml:"category,omitempty" json:"category,omitempty"`
}

// NewIdentity creates a validated Identity.
func NewIdentity(name, category string) (Identity, error) {
	id := Identity{Name: name, Category: category}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewUUIDIdentity returns an identity with a random UUID as its name.
func NewUUIDIdentity(category string) Identity {
	return Identity{Name: uuid.NewString(), Category: category}
}

// Validate rejects identities with an empty name.
func (id Identity) Validate() error {
	if id.Name == "" {
		return &Error{Kind: KindIllegalIdentity, ID: id.String(), Err: fmt.Errorf("identity name cannot be empty")}
	}
	return nil
}

// IsZero reports whether both fields are empty.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Category == ""
}

// String renders the identity as "category/name", or "name" when the
// category is empty. Slashes and backslashes are escaped.
func (id Identity) String() string {
	if id.Category == "" {
		return escapeIdentityPart(id.Name)
	}
	return escapeIdentityPart(id.Category) + "/" + escapeIdentityPart(id.Name)
}

// ParseIdentity parses the String form of an identity.
func ParseIdentity(s string) (Identity, error) {
	slash := -1
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '/':
			if slash >= 0 {
				return Identity{}, &Error{Kind: KindIllegalIdentity, ID: s, Err: fmt.Errorf("unescaped '/' in identity")}
			}
			slash = i
		}
	}
	if escaped {
		return Identity{}, &Error{Kind: KindIllegalIdentity, ID: s, Err: fmt.Errorf("trailing escape in identity")}
	}

	var id Identity
	if slash < 0 {
		id.Name = unescapeIdentityPart(s)
	} else {
		id.Category = unescapeIdentityPart(s[:slash])
		id.Name = unescapeIdentityPart(s[slash+1:])
	}

	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func escapeIdentityPart(s string) string {
	if !strings.ContainsAny(s, `/\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r == '/' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unescapeIdentityPart(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
