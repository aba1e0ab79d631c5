package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// UserProfile is the record kept by the profile store.
type UserProfile struct {
	ID                  string              `json:"id"`
	Nickname            string              `json:"nickname,omitempty"`
	FirstName           string              `json:"firstName,omitempty"`
	LastName            string              `json:"lastName,omitempty"`
	Details             map[string]any      `json:"details,omitempty"`
	MessengerIdentities []MessengerIdentity `json:"messengerIdentities,omitempty"`
}

// LinkCode is a registration code record as returned by the store.
type LinkCode struct {
	Code     FlexString `json:"code"`
	IssuedAt FlexString `json:"time"`
	UserID   FlexString `json:"userid"`
}

// IssuedAtMillis parses the issuance timestamp (unix millis).
func (c LinkCode) IssuedAtMillis() (int64, error) {
	ms, err := strconv.ParseInt(string(c.IssuedAt), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse code timestamp %q: %w", c.IssuedAt, err)
	}
	return ms, nil
}

// WriteResult is the acknowledgement the store sends for writes.
type WriteResult struct {
	OK            int  `json:"ok"`
	NModified     int  `json:"nModified"`
	InsertedCount int  `json:"insertedCount"`
	Retry         bool `json:"retry"`
}

// Inserted reports a single acknowledged insertion.
func (r WriteResult) Inserted() bool {
	return r.OK == 1 && r.InsertedCount == 1
}

// Modified reports a single acknowledged modification.
func (r WriteResult) Modified() bool {
	return r.OK == 1 && r.NModified == 1
}

// FlexString decodes from either a JSON string or a JSON number. The store
// is not consistent about which one it sends for codes and timestamps.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}
