package entsync

import (
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
)

// NameResolver normalizes property names so local struct fields and
// backend fields written in different conventions can be matched.
type NameResolver interface {
	// Canonical returns the comparison key for name. Two names refer to
	// the same property when their canonical forms are equal.
	Canonical(name string) string

	// Backend converts a local property name to the backend's convention.
	Backend(name string) string
}

// NameResolverProvider is implemented by providers whose backend uses a
// naming convention other than the registry default.
type NameResolverProvider interface {
	NameResolver() NameResolver
}

// Case is a naming convention.
type Case int

const (
	SnakeCase Case = iota
	CamelCase
	PascalCase
	KebabCase
	ScreamingSnakeCase
)

func (c Case) String() string {
	switch c {
	case SnakeCase:
		return "snake"
	case CamelCase:
		return "camel"
	case PascalCase:
		return "pascal"
	case KebabCase:
		return "kebab"
	case ScreamingSnakeCase:
		return "screaming_snake"
	default:
		return "unknown"
	}
}

// ParseCase parses a convention name as written in configuration.
func ParseCase(s string) (Case, error) {
	switch strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(s)) {
	case "", "snake", "snake_case":
		return SnakeCase, nil
	case "camel", "camel_case", "lower_camel":
		return CamelCase, nil
	case "pascal", "pascal_case", "upper_camel":
		return PascalCase, nil
	case "kebab", "kebab_case":
		return KebabCase, nil
	case "screaming_snake", "upper_snake", "constant":
		return ScreamingSnakeCase, nil
	}
	return 0, fmt.Errorf("entsync: unknown naming convention %q", s)
}

// Convert renders name in convention c.
func (c Case) Convert(name string) string {
	switch c {
	case CamelCase:
		return strcase.ToLowerCamel(name)
	case PascalCase:
		return strcase.ToCamel(name)
	case KebabCase:
		return strcase.ToKebab(name)
	case ScreamingSnakeCase:
		return strcase.ToScreamingSnake(name)
	default:
		return strcase.ToSnake(name)
	}
}

// CaseResolver is a NameResolver for backends that use a single naming
// convention. Canonical names are lower snake_case.
type CaseResolver struct {
	style Case
}

// NewCaseResolver returns a resolver producing backend names in style.
func NewCaseResolver(style Case) *CaseResolver {
	return &CaseResolver{style: style}
}

// Style returns the backend naming convention.
func (r *CaseResolver) Style() Case { return r.style }

// Canonical implements NameResolver.
func (r *CaseResolver) Canonical(name string) string {
	return strings.ToLower(strcase.ToSnake(name))
}

// Backend implements NameResolver.
func (r *CaseResolver) Backend(name string) string {
	return r.style.Convert(name)
}

// PrefixResolver strips a leading entity-name prefix from canonical names,
// so "user_id" on a user entity compares equal to "id".
type PrefixResolver struct {
	base     NameResolver
	prefixes []string
}

// WithPrefixes wraps base so that canonical names lose any of prefixes
// followed by an underscore. A name equal to the prefix is left alone.
func WithPrefixes(base NameResolver, prefixes ...string) *PrefixResolver {
	if base == nil {
		base = NewCaseResolver(SnakeCase)
	}
	canon := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = base.Canonical(p); p != "" {
			canon = append(canon, p+"_")
		}
	}
	return &PrefixResolver{base: base, prefixes: canon}
}

// Canonical implements NameResolver.
func (r *PrefixResolver) Canonical(name string) string {
	c := r.base.Canonical(name)
	for _, p := range r.prefixes {
		if rest, ok := strings.CutPrefix(c, p); ok && rest != "" {
			return rest
		}
	}
	return c
}

// Backend implements NameResolver.
func (r *PrefixResolver) Backend(name string) string {
	return r.base.Backend(name)
}

// SameName reports whether a and b name the same property under r.
func SameName(r NameResolver, a, b string) bool {
	return r.Canonical(a) == r.Canonical(b)
}

// resolverFor returns the resolver a provider declares, or fallback.
func resolverFor(p Provider, fallback NameResolver) NameResolver {
	if np, ok := p.(NameResolverProvider); ok {
		if r := np.NameResolver(); r != nil {
			return r
		}
	}
	return fallback
}
