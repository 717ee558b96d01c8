package acl

import (
	"encoding/json"
	"fmt"
)

type storedRule struct {
	Subject string `json:"subject"`
	Allow   bool   `json:"allow"`
}

type storedList struct {
	Rules   []storedRule `json:"rules"`
	Default bool         `json:"default"`
}

// Encode renders a list as the JSON form stored in the database.
func Encode(l List) ([]byte, error) {
	st := storedList{Default: l.Default, Rules: make([]storedRule, len(l.Rules))}
	for i, r := range l.Rules {
		st.Rules[i] = storedRule{Subject: r.Subject(), Allow: r.Allow}
	}
	return json.Marshal(st)
}

// Decode parses the stored JSON form. Empty input yields the given
// default list.
func Decode(data []byte, def List) (List, error) {
	if len(data) == 0 {
		return def, nil
	}
	var st storedList
	if err := json.Unmarshal(data, &st); err != nil {
		return List{}, fmt.Errorf("acl: decode: %w", err)
	}
	l := List{Default: st.Default, Rules: make([]Rule, len(st.Rules))}
	for i, r := range st.Rules {
		rule, err := Parse(r.Subject, r.Allow)
		if err != nil {
			return List{}, err
		}
		l.Rules[i] = rule
	}
	return l, nil
}
