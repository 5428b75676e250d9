package extract

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	if got := StripFences(in); got != `{"a":1}` {
		t.Fatalf("expected fenced payload, got %q", got)
	}
	if got := StripFences("~~~\nhello\n~~~"); got != "hello" {
		t.Fatalf("expected tilde-fenced payload, got %q", got)
	}
	if got := StripFences("  plain text  "); got != "plain text" {
		t.Fatalf("unfenced input should only be trimmed, got %q", got)
	}
	// Unterminated fence is left alone rather than mangled.
	if got := StripFences("```json\n{\"a\":1}"); got != "```json\n{\"a\":1}" {
		t.Fatalf("unterminated fence should be returned unchanged, got %q", got)
	}
}

func TestExtractJSONObjectFromCommentary(t *testing.T) {
	got, ok := ExtractJSONObject(`Here is the result: {"a":1}`)
	if !ok || got != `{"a":1}` {
		t.Fatalf("expected {\"a\":1}, got %q ok=%v", got, ok)
	}
}

func TestExtractJSONObjectSkipsInvalidSpan(t *testing.T) {
	got, ok := ExtractJSONObject(`{not valid} and then {"a":1}`)
	if !ok || got != `{"a":1}` {
		t.Fatalf("expected valid span, got %q ok=%v", got, ok)
	}
}

func TestExtractJSONObjectPrefersLongestSpan(t *testing.T) {
	got, ok := ExtractJSONObject(`{"x":1} padding {"a":1,"b":{"c":2}}`)
	if !ok || got != `{"a":1,"b":{"c":2}}` {
		t.Fatalf("expected longest span, got %q ok=%v", got, ok)
	}
}

func TestExtractJSONObjectIgnoresBracesInStrings(t *testing.T) {
	in := `prefix {"msg":"brace } inside \" string"} suffix`
	got, ok := ExtractJSONObject(in)
	if !ok {
		t.Fatalf("expected extraction to succeed")
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("extracted span does not parse: %v", err)
	}
	if m["msg"] != `brace } inside " string` {
		t.Fatalf("unexpected value: %v", m["msg"])
	}
}

func TestExtractJSONObjectNone(t *testing.T) {
	if _, ok := ExtractJSONObject("no json here"); ok {
		t.Fatalf("expected no extraction for plain text")
	}
	if _, ok := ExtractJSONObject("{invalid json}"); ok {
		t.Fatalf("expected no extraction for invalid object")
	}
}

func TestExtractJSONObjectRoundTrip(t *testing.T) {
	payloads := []string{
		`{"a":1}`,
		`{"nested":{"deep":[1,2,{"x":"y"}]}}`,
		`{"s":"with \"escapes\" and {braces}"}`,
		`{"empty":{}}`,
	}
	wrappers := []struct{ pre, post string }{
		{"", ""},
		{"Sure! Here's what I found:\n", "\nLet me know if you need more."},
		{"Note (see {ref}): ", " -- end"},
	}
	for _, p := range payloads {
		var want interface{}
		if err := json.Unmarshal([]byte(p), &want); err != nil {
			t.Fatalf("bad fixture %q: %v", p, err)
		}
		for _, w := range wrappers {
			got, ok := ExtractJSONObject(w.pre + p + w.post)
			if !ok {
				t.Fatalf("failed to extract %q wrapped in %q/%q", p, w.pre, w.post)
			}
			var have interface{}
			if err := json.Unmarshal([]byte(got), &have); err != nil {
				t.Fatalf("extracted span does not parse: %v", err)
			}
			if !reflect.DeepEqual(want, have) {
				t.Fatalf("round trip mismatch: want %v have %v", want, have)
			}
		}
	}
}

func TestRepairTruncatedJSON(t *testing.T) {
	cases := []string{
		`{"findings":[{"id":"f1","text":"hello`,
		`{"a":1,"b":`,
		`{"a":[1,2`,
		`{"a":{"b":{"c":1`,
		`{"a":1,`,
	}
	for _, in := range cases {
		got, ok := RepairTruncatedJSON(in)
		if !ok {
			t.Fatalf("expected repair of %q", in)
		}
		if !json.Valid([]byte(got)) {
			t.Fatalf("repair of %q produced invalid JSON: %q", in, got)
		}
	}
}

func TestRepairTruncatedJSONNone(t *testing.T) {
	if _, ok := RepairTruncatedJSON("not json at all"); ok {
		t.Fatalf("expected no repair for plain text")
	}
	if _, ok := RepairTruncatedJSON(""); ok {
		t.Fatalf("expected no repair for empty input")
	}
}

func TestRepairTruncatedJSONKeepsCompleteInput(t *testing.T) {
	got, ok := RepairTruncatedJSON(`{"a":1}`)
	if !ok || got != `{"a":1}` {
		t.Fatalf("complete input should survive repair, got %q ok=%v", got, ok)
	}
}
