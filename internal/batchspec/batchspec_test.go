package batchspec

import (
	"strings"
	"testing"
)

func TestParseQueries(t *testing.T) {
	spec, err := Parse([]byte(`{"queries":[{"mission":"ISS070","camera":"E"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(spec.Queries) != 1 || spec.Queries[0].Mission != "ISS070" {
		t.Fatalf("queries = %+v", spec.Queries)
	}
}

func TestParseRejectsEmptySpec(t *testing.T) {
	if _, err := Parse([]byte(`{}`)); err == nil {
		t.Fatal("expected error for empty spec")
	}
}

func TestParseRejectsQueryWithoutMission(t *testing.T) {
	_, err := Parse([]byte(`{"queries":[{"camera":"E"}]}`))
	if err == nil || !strings.Contains(err.Error(), "mission") {
		t.Fatalf("got %v", err)
	}
}

func TestParseFlatRecords(t *testing.T) {
	spec, err := Parse([]byte(`{"records":[
		{"frames.mission":"ISS070","frames.roll":"E","frames.frame":12345,
		 "frames.pdate":"20240115","images.directory":"ESC/large","images.filename":"iss070e012345.jpg"}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(spec.Records) != 1 {
		t.Fatalf("records = %d", len(spec.Records))
	}
	c := spec.Records[0]
	if c.Key != "ISS070-E-12345" {
		t.Fatalf("key = %q", c.Key)
	}
	if c.Fields["directory"] != "ESC/large" || c.Fields["filename"] != "iss070e012345.jpg" {
		t.Fatalf("fields = %v", c.Fields)
	}
	if c.Year() != "2024" {
		t.Fatalf("year = %q", c.Year())
	}
}

func TestMapRecordRequiresIdentifyingTriple(t *testing.T) {
	_, err := MapRecord(map[string]any{"frames.mission": "ISS070", "frames.roll": "E"})
	if err == nil {
		t.Fatal("expected error for missing frame")
	}
}

func TestMapRecordSuffixPrecedence(t *testing.T) {
	// pdate outranks date regardless of input key order.
	candidate, err := MapRecord(map[string]any{
		"frames.mission": "ISS070",
		"frames.roll":    "E",
		"frames.frame":   "1",
		"a.date":         "19990101",
		"frames.pdate":   "20240115",
	})
	if err != nil {
		t.Fatalf("MapRecord: %v", err)
	}
	if candidate.Fields["date"] != "20240115" {
		t.Fatalf("date = %q, want pdate value", candidate.Fields["date"])
	}
}

func TestBuildKeyNormalizes(t *testing.T) {
	if got := BuildKey(" iss070 ", "e", " 12345"); got != "ISS070-E-12345" {
		t.Fatalf("BuildKey = %q", got)
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	mission, roll, frame, err := ParseKey("ISS070-E-12345")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if mission != "ISS070" || roll != "E" || frame != "12345" {
		t.Fatalf("triple = %s %s %s", mission, roll, frame)
	}
	if _, _, _, err := ParseKey("broken"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestFromKey(t *testing.T) {
	candidate, err := FromKey("ISS070-E-12345")
	if err != nil {
		t.Fatalf("FromKey: %v", err)
	}
	if candidate.Key != "ISS070-E-12345" || candidate.Mission != "ISS070" {
		t.Fatalf("candidate = %+v", candidate)
	}
}

func TestYearRejectsGarbage(t *testing.T) {
	c := Candidate{Fields: map[string]string{"date": "n/a"}}
	if c.Year() != "" {
		t.Fatalf("year = %q, want empty", c.Year())
	}
}
