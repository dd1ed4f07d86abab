package kvstore

import (
	"fmt"
	"strings"
)

// Scope tags who owns a key.
type Scope string

const (
	// ScopeServer marks state tied to one backend server.
	ScopeServer Scope = "srv"
	// ScopeApp marks device-wide state that survives server switches.
	ScopeApp Scope = "app"
)

// Category groups keys by payload family.
type Category string

const (
	CategoryAuth         Category = "auth"
	CategoryPrefs        Category = "prefs"
	CategoryRecords      Category = "records"
	CategorySession      Category = "session"
	CategoryTemplates    Category = "templates"
	CategoryValidation   Category = "validation"
	CategoryConnectivity Category = "connectivity"
	CategoryBackup       Category = "backup"
	CategoryMeta         Category = "meta"
)

// Key names one stored entry with explicit ownership tags. Scope and
// category are spelled out in the encoded form so clearing and backup
// logic never guess from name patterns.
type Key struct {
	Scope    Scope
	ServerID string
	Category Category
	Name     string
}

// ServerKey builds a key owned by one server.
func ServerKey(serverID string, category Category, name string) Key {
	return Key{Scope: ScopeServer, ServerID: serverID, Category: category, Name: name}
}

// AppKey builds a device-wide key.
func AppKey(category Category, name string) Key {
	return Key{Scope: ScopeApp, Category: category, Name: name}
}

// String encodes the key as scope:server:category:name. App keys carry
// an empty server field.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Scope, k.ServerID, k.Category, k.Name)
}

// ParseKey decodes an encoded key. The name may contain separators;
// the leading three fields may not.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	k := Key{
		Scope:    Scope(parts[0]),
		ServerID: parts[1],
		Category: Category(parts[2]),
		Name:     parts[3],
	}
	if k.Scope != ScopeServer && k.Scope != ScopeApp {
		return Key{}, fmt.Errorf("unknown scope in key %q", s)
	}
	if k.Scope == ScopeApp && k.ServerID != "" {
		return Key{}, fmt.Errorf("app key %q carries a server id", s)
	}
	if k.Scope == ScopeServer && k.ServerID == "" {
		return Key{}, fmt.Errorf("server key %q missing a server id", s)
	}
	if k.Category == "" || k.Name == "" {
		return Key{}, fmt.Errorf("incomplete key %q", s)
	}
	return k, nil
}

// Prefix selects keys by their leading tags, filled left to right.
// A category filter under ScopeServer requires a server id.
type Prefix struct {
	Scope    Scope
	ServerID string
	Category Category
}

// String yields the literal encoded prefix.
func (p Prefix) String() string {
	s := string(p.Scope) + ":"
	if p.Scope == ScopeApp {
		s += ":"
		if p.Category != "" {
			s += string(p.Category) + ":"
		}
		return s
	}
	if p.ServerID == "" {
		return s
	}
	s += p.ServerID + ":"
	if p.Category != "" {
		s += string(p.Category) + ":"
	}
	return s
}

// Matches reports whether the key falls under the prefix.
func (p Prefix) Matches(k Key) bool {
	return strings.HasPrefix(k.String(), p.String())
}
