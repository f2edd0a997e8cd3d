package research

import "testing"

func TestExtractJSONFromFencedBlock(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"tasks\": [{\"description\": \"x\"}]}\n```\nDone."
	out, err := extractJSON(raw)
	if err != nil {
		t.Fatalf("extractJSON: %v", err)
	}
	if out != `{"tasks": [{"description": "x"}]}` {
		t.Fatalf("unexpected extraction: %q", out)
	}
}

func TestExtractJSONSkipsBracesInsideStrings(t *testing.T) {
	raw := `The answer {"query": "search for {golang} and \"quotes\""} trailing`
	out, err := extractJSON(raw)
	if err != nil {
		t.Fatalf("extractJSON: %v", err)
	}
	if out != `{"query": "search for {golang} and \"quotes\""}` {
		t.Fatalf("unexpected extraction: %q", out)
	}
}

func TestExtractJSONHandlesBOMAndArrays(t *testing.T) {
	raw := "\xef\xbb\xbf[1, 2, {\"a\": []}]"
	out, err := extractJSON(raw)
	if err != nil {
		t.Fatalf("extractJSON: %v", err)
	}
	if out != `[1, 2, {"a": []}]` {
		t.Fatalf("unexpected extraction: %q", out)
	}
}

func TestExtractJSONRejectsUnbalanced(t *testing.T) {
	if _, err := extractJSON(`{"open": true`); err == nil {
		t.Fatal("expected an error for unbalanced JSON")
	}
	if _, err := extractJSON("no json here"); err == nil {
		t.Fatal("expected an error when nothing looks like JSON")
	}
}

func TestDecodeIntoUnmarshalsExtractedValue(t *testing.T) {
	var parsed struct {
		Done   bool   `json:"done"`
		Reason string `json:"reason"`
	}
	raw := "I think we are finished.\n\n{\"done\": true, \"reason\": \"covered\"}\n"
	if err := decodeInto(raw, &parsed); err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	if !parsed.Done || parsed.Reason != "covered" {
		t.Fatalf("unexpected decode: %+v", parsed)
	}
}

func TestClipCutsOnWordBoundary(t *testing.T) {
	got := clip("alpha beta gamma delta", 12)
	if got != "alpha beta…" {
		t.Fatalf("unexpected clip: %q", got)
	}
	if clip("short", 12) != "short" {
		t.Fatal("short strings should pass through")
	}
}
