package harness

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
)

// Preference paths understood by SetPrefs.
const (
	DefaultContentSettings      = "profile.default_content_settings"
	ContentSettingsPatternPairs = "profile.content_settings.pattern_pairs"
)

// ErrUnknownPref is returned by SetPrefs for a path it does not manage.
var ErrUnknownPref = errors.New("unknown preference")

// PrefsInfo is a snapshot of the browser preferences.
type PrefsInfo struct {
	prefs gson.JSON
}

// Prefs returns the preference tree. Pattern keys contain dots, so walk
// them with Gets.
func (p PrefsInfo) Prefs() gson.JSON { return p.prefs }

// PatternPairs returns profile.content_settings.pattern_pairs.
func (p PrefsInfo) PatternPairs() gson.JSON {
	v, _ := p.prefs.Gets("profile", "content_settings", "pattern_pairs")
	return v
}

// GetPrefsInfo snapshots the current preferences.
func (h *Harness) GetPrefsInfo() PrefsInfo {
	return PrefsInfo{prefs: h.settings.Snapshot()}
}

// SetPrefs replaces a content-settings preference. value is anything that
// marshals to the preference's JSON shape, for example
//
//	map[string]interface{}{pattern + ",*": map[string]int{"fullscreen": 1}}
//
// for ContentSettingsPatternPairs, or {"mouselock": 2} for
// DefaultContentSettings.
func (h *Harness) SetPrefs(path string, value interface{}) error {
	v := gson.New(value)

	switch path {
	case ContentSettingsPatternPairs:
		pairs := make(map[string]map[contentsettings.Type]contentsettings.Setting)
		for key, types := range v.Map() {
			pattern, err := patternOf(key)
			if err != nil {
				return err
			}
			pairs[pattern] = settingsOf(types)
		}
		h.settings.ReplaceTypes([]contentsettings.Type{contentsettings.Fullscreen, contentsettings.MouseLock}, pairs)

	case DefaultContentSettings:
		h.settings.ReplaceDefaults(settingsOf(v))

	default:
		return fmt.Errorf("%w %q", ErrUnknownPref, path)
	}

	h.logger.Debug("prefs set", zap.String("path", path), zap.String("value", v.JSON("", "")))
	return h.persistPrefs()
}

func settingsOf(types gson.JSON) map[contentsettings.Type]contentsettings.Setting {
	out := make(map[contentsettings.Type]contentsettings.Setting)
	for typ, setting := range types.Map() {
		out[contentsettings.Type(typ)] = contentsettings.Setting(setting.Int())
	}
	return out
}

// patternOf strips the secondary pattern from a pattern pair key.
func patternOf(key string) (string, error) {
	const secondary = ",*"
	if len(key) <= len(secondary) || key[len(key)-len(secondary):] != secondary {
		return "", fmt.Errorf("pattern pair %q does not end in %q", key, secondary)
	}
	return key[:len(key)-len(secondary)], nil
}

func (h *Harness) persistPrefs() error {
	if h.cfg.PrefsFile == "" {
		return nil
	}
	if err := h.settings.Save(h.cfg.PrefsFile); err != nil {
		return fmt.Errorf("persist prefs: %w", err)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
