package batchspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Candidate is one item the run may ingest, in canonical form.
type Candidate struct {
	Key     string
	Mission string
	Roll    string
	Frame   string
	// Fields holds canonical extras (camera, date, directory, filename, ...)
	// that survived record mapping.
	Fields map[string]string
}

// Query is one discovery request to the search API.
type Query struct {
	Mission string `json:"mission"`
	Camera  string `json:"camera,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

// Spec is a parsed batch specification.
type Spec struct {
	Queries []Query
	Records []Candidate
}

type rawSpec struct {
	Queries []Query          `json:"queries"`
	Records []map[string]any `json:"records"`
}

// Load reads and parses a batch specification file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch spec: %w", err)
	}
	return Parse(data)
}

// Parse decodes a batch specification document.
func Parse(data []byte) (*Spec, error) {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse batch spec: %w", err)
	}
	if len(raw.Queries) == 0 && len(raw.Records) == 0 {
		return nil, errors.New("batch spec names no queries and no records")
	}

	spec := &Spec{Queries: raw.Queries}
	for i, record := range raw.Records {
		candidate, err := MapRecord(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		spec.Records = append(spec.Records, candidate)
	}
	for i, query := range spec.Queries {
		if strings.TrimSpace(query.Mission) == "" {
			return nil, fmt.Errorf("query %d: mission is required", i)
		}
	}
	return spec, nil
}

// fieldAliases defines, in precedence order, the canonical fields extracted
// from a loose record and the key suffixes that may carry each of them.
// Earlier suffixes win; raw keys are examined in sorted order so the choice
// is deterministic regardless of input key order.
var fieldAliases = []struct {
	name     string
	suffixes []string
}{
	{"mission", []string{"mission"}},
	{"roll", []string{"roll"}},
	{"frame", []string{"frame"}},
	{"directory", []string{"directory", "dir"}},
	{"filename", []string{"filename", "file"}},
	{"camera", []string{"camera", "cldr"}},
	{"date", []string{"pdate", "date"}},
	{"time", []string{"ptime", "time"}},
	{"latitude", []string{"lat"}},
	{"longitude", []string{"lon"}},
	{"elevation", []string{"elev"}},
	{"focal_length", []string{"fclt", "focal_length"}},
	{"tilt", []string{"tilt"}},
}

// MapRecord converts one loosely-typed record into a Candidate. Mission,
// roll, and frame are required; everything else lands in Fields.
func MapRecord(record map[string]any) (Candidate, error) {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make(map[string]string)
	for _, alias := range fieldAliases {
		value := ""
		for _, suffix := range alias.suffixes {
			for _, key := range keys {
				if !strings.HasSuffix(strings.ToLower(key), suffix) {
					continue
				}
				if v := stringify(record[key]); v != "" {
					value = v
				}
				break
			}
			if value != "" {
				break
			}
		}
		if value != "" {
			fields[alias.name] = value
		}
	}

	candidate := Candidate{
		Mission: fields["mission"],
		Roll:    fields["roll"],
		Frame:   fields["frame"],
		Fields:  fields,
	}
	if candidate.Mission == "" || candidate.Roll == "" || candidate.Frame == "" {
		return Candidate{}, fmt.Errorf("record missing mission/roll/frame: %v", record)
	}
	delete(fields, "mission")
	delete(fields, "roll")
	delete(fields, "frame")
	candidate.Key = BuildKey(candidate.Mission, candidate.Roll, candidate.Frame)
	return candidate, nil
}

// BuildKey derives the canonical item key from its identifying triple.
func BuildKey(mission, roll, frame string) string {
	return fmt.Sprintf("%s-%s-%s",
		strings.ToUpper(strings.TrimSpace(mission)),
		strings.ToUpper(strings.TrimSpace(roll)),
		strings.TrimSpace(frame))
}

// ParseKey splits a canonical key back into its identifying triple. Frames
// may contain dashes; mission and roll never do.
func ParseKey(key string) (mission, roll, frame string, err error) {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed item key %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}

// FromKey rebuilds a minimal candidate from a canonical key, for items
// carried over from an earlier run whose metadata must be re-resolved.
func FromKey(key string) (Candidate, error) {
	mission, roll, frame, err := ParseKey(key)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{
		Key:     key,
		Mission: mission,
		Roll:    roll,
		Frame:   frame,
		Fields:  map[string]string{},
	}, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Year extracts the four-digit year from the candidate's date field, or ""
// when unknown.
func (c Candidate) Year() string {
	date := c.Fields["date"]
	if len(date) >= 4 {
		year := date[:4]
		for _, r := range year {
			if r < '0' || r > '9' {
				return ""
			}
		}
		return year
	}
	return ""
}
