package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// RawJSON is a jsonb column that keeps the raw document (arrays included)
type RawJSON json.RawMessage

// Value implements driver.Valuer
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// Scan implements sql.Scanner
func (r *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*r = append((*r)[:0], v...)
		return nil
	case string:
		*r = RawJSON(v)
		return nil
	default:
		return errors.New("unsupported type for RawJSON scan")
	}
}

// MarshalJSON returns the raw document unchanged
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON stores the raw document unchanged
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}
