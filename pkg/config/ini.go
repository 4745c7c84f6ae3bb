package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// LoadINI reads section from an INI file at path and applies any key
// matching a declared Entry.Name onto a freshly built Vector. Keys not
// matching a known entry name are ignored, mirroring the tolerant EDS
// loading this is modeled on: an operator can ship a reader.ini with
// only the handful of timeouts they care to override.
func LoadINI(path string, section string, entries []Entry) (*Vector, error) {
	v := New(entries)

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	if !f.HasSection(section) {
		return v, nil
	}
	sec := f.Section(section)
	for _, e := range entries {
		key, err := sec.GetKey(e.Name)
		if err != nil {
			continue
		}
		n, err := key.Int()
		if err != nil {
			return nil, fmt.Errorf("config: %s.%s: %w", section, e.Name, err)
		}
		if err := v.Set(e.ID, n); err != nil {
			return nil, err
		}
	}
	return v, nil
}
