// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringList is a JSON-serialized []string column.
// Used for active_step_ids / completed_step_ids on pipeline runs.
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = []string{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan StringList from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Contains reports whether id is present.
func (l StringList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Without returns a copy with id removed.
func (l StringList) Without(id string) StringList {
	out := make(StringList, 0, len(l))
	for _, v := range l {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// IntList is a JSON-serialized []int column. Used for debug breakpoints.
type IntList []int

func (l *IntList) Scan(value any) error {
	if value == nil {
		*l = []int{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan IntList from non-string/[]byte value")
	}
}

func (l IntList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Contains reports whether n is present.
func (l IntList) Contains(n int) bool {
	for _, v := range l {
		if v == n {
			return true
		}
	}
	return false
}

// StringMap is a JSON-serialized map[string]string column.
type StringMap map[string]string

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = map[string]string{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan StringMap from non-string/[]byte value")
	}
}

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// ConfigMap is a JSON-serialized map[string]any column, used for
// type-specific step configuration.
type ConfigMap map[string]any

func (m *ConfigMap) Scan(value any) error {
	if value == nil {
		*m = map[string]any{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan ConfigMap from non-string/[]byte value")
	}
}

func (m ConfigMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// GetString returns the string value for key, or "" when absent or not a string.
func (m ConfigMap) GetString(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetStringSlice returns the []string value for key, tolerating []any payloads
// produced by JSON decoding.
func (m ConfigMap) GetStringSlice(key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
