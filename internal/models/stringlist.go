package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringList stores a set of string values as a JSON array column.
type StringList []string

// Value implements driver.Valuer for database serialization.
func (l StringList) Value() (driver.Value, error) {
	cleaned := l.Clean()
	data, errMarshal := json.Marshal([]string(cleaned))
	if errMarshal != nil {
		return nil, fmt.Errorf("string list marshal: %w", errMarshal)
	}
	return data, nil
}

// Scan implements sql.Scanner for database deserialization.
func (l *StringList) Scan(value any) error {
	if l == nil {
		return fmt.Errorf("string list scan: nil receiver")
	}
	if value == nil {
		*l = StringList{}
		return nil
	}

	switch typed := value.(type) {
	case []byte:
		return parseStringListFromBytes(l, typed)
	case string:
		return parseStringListFromBytes(l, []byte(typed))
	default:
		return fmt.Errorf("string list scan: unsupported type %T", value)
	}
}

func parseStringListFromBytes(target *StringList, data []byte) error {
	if target == nil {
		return fmt.Errorf("string list scan: nil target")
	}
	if len(data) == 0 {
		*target = StringList{}
		return nil
	}

	var list []string
	if errList := json.Unmarshal(data, &list); errList == nil {
		*target = StringList(list).Clean()
		return nil
	}

	var single string
	if errSingle := json.Unmarshal(data, &single); errSingle == nil {
		*target = StringList{single}.Clean()
		return nil
	}

	return fmt.Errorf("string list scan: invalid json")
}

// Clean normalizes the list by trimming values and removing empties and duplicates.
func (l StringList) Clean() StringList {
	if len(l) == 0 {
		return StringList{}
	}
	seen := make(map[string]struct{}, len(l))
	cleaned := make(StringList, 0, len(l))
	for _, v := range l {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

// Contains reports whether the list holds the given value.
// An empty list matches nothing.
func (l StringList) Contains(value string) bool {
	value = strings.TrimSpace(value)
	for _, v := range l {
		if v == value {
			return true
		}
	}
	return false
}
