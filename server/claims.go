package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ClaimPermission is the application claim type carried by every grant.
const ClaimPermission = "permission"

// Defaults for the role mapper.
var (
	DefaultRoleClaimTypes = []string{"role", "roles", "groups", "realm_access.roles"}
	DefaultNameClaimTypes = []string{"preferred_username", "name", "email"}
)

const DefaultGrantSuffix = "-access"

// RawClaim is a single identity-provider claim in flattened form.
type RawClaim struct {
	Type  string
	Value string
}

// MappedClaim is a claim expressed in the application vocabulary.
type MappedClaim struct {
	Type  string `json:"t"`
	Value string `json:"v"`
}

// MapResult is the outcome of mapping one identity. Claims holds only the
// grants; the display name travels beside them.
type MapResult struct {
	DisplayName string
	Claims      []MappedClaim
}

// ClaimsMapper turns provider claims into application claims.
type ClaimsMapper interface {
	Map(raw []RawClaim) (MapResult, error)
}

// MapFunc adapts a function to the ClaimsMapper interface.
type MapFunc func(raw []RawClaim) (MapResult, error)

// Map calls f.
func (f MapFunc) Map(raw []RawClaim) (MapResult, error) {
	return f(raw)
}

// MapperConfig controls how provider roles become application grants.
type MapperConfig struct {
	RoleClaimTypes    []string            `yaml:"role_claim_types"`
	NameClaimTypes    []string            `yaml:"name_claim_types"`
	Grants            map[string][]string `yaml:"grants"`
	GrantSuffix       string              `yaml:"grant_suffix"`
	DropUnmappedRoles bool                `yaml:"drop_unmapped_roles"`
}

// RoleMapper is the default ClaimsMapper. It is pure and safe for concurrent use.
type RoleMapper struct {
	roleTypes map[string]struct{}
	nameTypes []string
	grants    map[string][]string
	suffix    string
	dropOther bool
}

// NewRoleMapper builds a RoleMapper, filling defaults for empty fields.
func NewRoleMapper(cfg MapperConfig) *RoleMapper {
	roleTypes := cfg.RoleClaimTypes
	if len(roleTypes) == 0 {
		roleTypes = DefaultRoleClaimTypes
	}
	nameTypes := cfg.NameClaimTypes
	if len(nameTypes) == 0 {
		nameTypes = DefaultNameClaimTypes
	}
	suffix := cfg.GrantSuffix
	if suffix == "" {
		suffix = DefaultGrantSuffix
	}

	m := &RoleMapper{
		roleTypes: make(map[string]struct{}, len(roleTypes)),
		nameTypes: append([]string(nil), nameTypes...),
		grants:    make(map[string][]string, len(cfg.Grants)),
		suffix:    suffix,
		dropOther: cfg.DropUnmappedRoles,
	}
	for _, t := range roleTypes {
		m.roleTypes[t] = struct{}{}
	}
	for role, grants := range cfg.Grants {
		m.grants[role] = append([]string(nil), grants...)
	}
	return m
}

// Map emits one permission per recognized role and reports the display name
// separately. Unknown claim types are dropped and the grants are
// sorted and free of duplicates; no recognized role yields no grants.
func (m *RoleMapper) Map(raw []RawClaim) (MapResult, error) {
	var res MapResult
	set := make(map[MappedClaim]struct{})
	names := make(map[string]string)

	for _, c := range raw {
		value := strings.TrimSpace(c.Value)
		if value == "" {
			continue
		}
		if m.isRoleType(c.Type) {
			for _, grant := range m.grantsFor(value) {
				set[MappedClaim{Type: ClaimPermission, Value: grant}] = struct{}{}
			}
		}
		if _, seen := names[c.Type]; !seen {
			names[c.Type] = value
		}
	}

	for _, t := range m.nameTypes {
		if v, ok := names[t]; ok {
			res.DisplayName = v
			break
		}
	}

	res.Claims = make([]MappedClaim, 0, len(set))
	for c := range set {
		res.Claims = append(res.Claims, c)
	}
	sort.Slice(res.Claims, func(i, j int) bool {
		if res.Claims[i].Type != res.Claims[j].Type {
			return res.Claims[i].Type < res.Claims[j].Type
		}
		return res.Claims[i].Value < res.Claims[j].Value
	})
	return res, nil
}

func (m *RoleMapper) isRoleType(t string) bool {
	if _, ok := m.roleTypes[t]; ok {
		return true
	}
	// resource_access.<client>.roles is matched against the wildcard form.
	if strings.HasPrefix(t, "resource_access.") && strings.HasSuffix(t, ".roles") {
		_, ok := m.roleTypes["resource_access.*.roles"]
		return ok
	}
	return false
}

func (m *RoleMapper) grantsFor(role string) []string {
	if g, ok := m.grants[role]; ok {
		return g
	}
	if m.dropOther {
		return nil
	}
	return []string{role + m.suffix}
}

// FlattenClaims converts a decoded ID token claim object into raw claims.
// Arrays yield one claim per element and nested objects use dotted keys.
func FlattenClaims(claims map[string]any) []RawClaim {
	var out []RawClaim
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = flattenValue(out, k, claims[k])
	}
	return out
}

func flattenValue(out []RawClaim, key string, v any) []RawClaim {
	switch val := v.(type) {
	case nil:
		return out
	case string:
		return append(out, RawClaim{Type: key, Value: val})
	case bool:
		return append(out, RawClaim{Type: key, Value: strconv.FormatBool(val)})
	case float64:
		return append(out, RawClaim{Type: key, Value: strconv.FormatFloat(val, 'f', -1, 64)})
	case []any:
		for _, item := range val {
			out = flattenValue(out, key, item)
		}
		return out
	case []string:
		for _, item := range val {
			out = append(out, RawClaim{Type: key, Value: item})
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = flattenValue(out, key+"."+k, val[k])
		}
		return out
	default:
		return append(out, RawClaim{Type: key, Value: fmt.Sprint(val)})
	}
}

// mapClaimsSafely runs the mapper and converts any panic into ErrClaimsMapping.
func mapClaimsSafely(m ClaimsMapper, raw []RawClaim) (res MapResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = MapResult{}
			err = fmt.Errorf("%w: panic: %v", ErrClaimsMapping, rec)
		}
	}()
	res, err = m.Map(raw)
	if err != nil {
		return MapResult{}, fmt.Errorf("%w: %w", ErrClaimsMapping, err)
	}
	return res, nil
}
