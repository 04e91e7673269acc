package store

import "encoding/json"

// Set and map fields are persisted as JSON text columns. Empty values
// round-trip as "[]"/"{}" so columns stay NOT NULL.

func encodeStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var s []string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	return s
}

func encodeParticipants(p map[string]Participant) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeParticipants(raw string) map[string]Participant {
	if raw == "" || raw == "{}" {
		return nil
	}
	var p map[string]Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	return p
}

// unionStrings merges two identifier sets preserving first-seen order.
// Set fields are grow-only: the remote store merges them with atomic
// set-adds, so a union never loses an element either side has observed.
func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// UnionIDs is the exported union used by the conflict resolver when merging
// reader and delivered-to sets.
func UnionIDs(a, b []string) []string {
	return unionStrings(a, b)
}
