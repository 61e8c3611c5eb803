// Package contentsettings stores per-site permission records the way the
// browser persists them in its preference file: a map from a pattern pair
// ("http://127.0.0.1:8000,*") to content type flags.
package contentsettings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ysmood/gson"
)

// Type is a content setting type.
type Type string

const (
	Fullscreen Type = "fullscreen"
	MouseLock  Type = "mouselock"
)

// Setting is the value stored for a content type. The numeric values match
// the ones written to the preference file.
type Setting int

const (
	Default Setting = 0
	Allow   Setting = 1
	Block   Setting = 2
	Ask     Setting = 3
)

func (s Setting) String() string {
	switch s {
	case Default:
		return "default"
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Ask:
		return "ask"
	}
	return fmt.Sprintf("setting(%d)", int(s))
}

// HostnamePattern returns scheme://host[:port] for rawURL, dropping any path.
func HostnamePattern(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// PatternPair returns the primary/secondary key used in pattern_pairs.
func PatternPair(pattern string) string {
	return pattern + ",*"
}

// Store holds pattern pairs and default settings. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	pairs    map[string]map[Type]Setting
	defaults map[Type]Setting
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		pairs:    make(map[string]map[Type]Setting),
		defaults: make(map[Type]Setting),
	}
}

// Set stores setting for pattern. Setting Default removes the entry, and the
// pattern disappears once it carries no types.
func (s *Store) Set(pattern string, typ Type, setting Setting) {
	key := PatternPair(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	if setting == Default {
		if types, ok := s.pairs[key]; ok {
			delete(types, typ)
			if len(types) == 0 {
				delete(s.pairs, key)
			}
		}
		return
	}

	types, ok := s.pairs[key]
	if !ok {
		types = make(map[Type]Setting)
		s.pairs[key] = types
	}
	types[typ] = setting
}

// Get returns the explicit setting for pattern, or Default.
func (s *Store) Get(pattern string, typ Type) Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[PatternPair(pattern)][typ]
}

// SetDefault sets the default for every site.
func (s *Store) SetDefault(typ Type, setting Setting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if setting == Default {
		delete(s.defaults, typ)
		return
	}
	s.defaults[typ] = setting
}

// Effective resolves the setting a request from pattern gets: the explicit
// pattern value, else the default, else Ask.
func (s *Store) Effective(pattern string, typ Type) Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.pairs[PatternPair(pattern)][typ]; v != Default {
		return v
	}
	if v := s.defaults[typ]; v != Default {
		return v
	}
	return Ask
}

// PatternPairs returns a copy of the pattern pairs in preference file form.
func (s *Store) PatternPairs() map[string]map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]int, len(s.pairs))
	for key, types := range s.pairs {
		m := make(map[string]int, len(types))
		for typ, v := range types {
			m[string(typ)] = int(v)
		}
		out[key] = m
	}
	return out
}

// Defaults returns a copy of the default content settings.
func (s *Store) Defaults() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.defaults))
	for typ, v := range s.defaults {
		out[string(typ)] = int(v)
	}
	return out
}

// Patterns lists the stored pattern pair keys, sorted.
func (s *Store) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReplaceTypes drops every stored value of the given types and stores pairs
// in their place. pairs is keyed by primary pattern. Other types on the same
// patterns are kept.
func (s *Store) ReplaceTypes(types []Type, pairs map[string]map[Type]Setting) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, stored := range s.pairs {
		for _, typ := range types {
			delete(stored, typ)
		}
		if len(stored) == 0 {
			delete(s.pairs, key)
		}
	}
	mergePairs(s.pairs, pairs)
}

// ReplaceDefaults swaps the default settings for defaults.
func (s *Store) ReplaceDefaults(defaults map[Type]Setting) {
	fresh := make(map[Type]Setting, len(defaults))
	for typ, v := range defaults {
		if v != Default {
			fresh[typ] = v
		}
	}

	s.mu.Lock()
	s.defaults = fresh
	s.mu.Unlock()
}

func mergePairs(dst map[string]map[Type]Setting, src map[string]map[Type]Setting) {
	for pattern, types := range src {
		key := PatternPair(pattern)
		for typ, v := range types {
			if v == Default {
				continue
			}
			stored, ok := dst[key]
			if !ok {
				stored = make(map[Type]Setting)
				dst[key] = stored
			}
			stored[typ] = v
		}
	}
}

// Clear drops every pattern pair and default.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = make(map[string]map[Type]Setting)
	s.defaults = make(map[Type]Setting)
}

// Snapshot returns the preference tree:
//
//	{"profile": {"content_settings": {"pattern_pairs": {...}},
//	             "default_content_settings": {...}}}
//
// Pattern keys contain dots, so read them with Gets, not Get.
func (s *Store) Snapshot() gson.JSON {
	s.mu.RLock()
	pairs := make(map[string]interface{}, len(s.pairs))
	for key, types := range s.pairs {
		m := make(map[string]interface{}, len(types))
		for typ, v := range types {
			m[string(typ)] = int(v)
		}
		pairs[key] = m
	}
	defaults := make(map[string]interface{}, len(s.defaults))
	for typ, v := range s.defaults {
		defaults[string(typ)] = int(v)
	}
	s.mu.RUnlock()

	prefs := map[string]interface{}{
		"profile": map[string]interface{}{
			"content_settings": map[string]interface{}{
				"pattern_pairs": pairs,
			},
			"default_content_settings": defaults,
		},
	}
	// Round trip so callers see plain JSON values (float64 numbers).
	b, _ := json.Marshal(prefs)
	return gson.New(b)
}

// Save writes the snapshot to path as indented JSON.
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	data := s.Snapshot().JSON("", "  ")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// Load replaces the store's content with the preference file at path.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prefs: %w", err)
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("decode prefs: %w", err)
	}

	prefs := gson.New(data)
	pairs, _ := prefs.Gets("profile", "content_settings", "pattern_pairs")
	defaults, _ := prefs.Gets("profile", "default_content_settings")

	loaded := make(map[string]map[Type]Setting)
	for key, types := range pairs.Map() {
		m := make(map[Type]Setting)
		for typ, v := range types.Map() {
			m[Type(typ)] = Setting(v.Int())
		}
		loaded[strings.TrimSuffix(key, ",*")] = m
	}
	fresh := make(map[string]map[Type]Setting, len(loaded))
	mergePairs(fresh, loaded)

	freshDefaults := make(map[Type]Setting)
	for typ, v := range defaults.Map() {
		if setting := Setting(v.Int()); setting != Default {
			freshDefaults[Type(typ)] = setting
		}
	}

	s.mu.Lock()
	s.pairs = fresh
	s.defaults = freshDefaults
	s.mu.Unlock()
	return nil
}
