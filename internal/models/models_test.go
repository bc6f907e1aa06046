package models

import (
	"strings"
	"testing"
)

func TestParseAnalysisPayload(t *testing.T) {
	raw := `{
		"summary": "Product demo with a slow middle section.",
		"topics": ["demo", "pacing"],
		"notes": [
			{"timeSeconds": 0, "content": "Cold open", "sentimentScore": 0.1},
			{"timeSeconds": 95, "content": "Energy dips", "sentimentScore": -0.7}
		],
		"suggestions": ["Cut the middle section"]
	}`

	payload, err := ParseAnalysisPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Summary != "Product demo with a slow middle section." {
		t.Fatalf("summary = %q", payload.Summary)
	}
	if len(payload.Notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(payload.Notes))
	}
	if payload.Notes[1].SentimentScore == nil || *payload.Notes[1].SentimentScore != -0.7 {
		t.Fatalf("sentiment = %v", payload.Notes[1].SentimentScore)
	}
}

func TestParseAnalysisPayloadStripsCodeFence(t *testing.T) {
	for _, fence := range []string{"```json", "```"} {
		raw := fence + "\n{\"summary\": \"ok\", \"topics\": [], \"notes\": [], \"suggestions\": []}\n```"
		payload, err := ParseAnalysisPayload(raw)
		if err != nil {
			t.Fatalf("fence %q: %v", fence, err)
		}
		if payload.Summary != "ok" {
			t.Fatalf("fence %q: summary = %q", fence, payload.Summary)
		}
	}
}

func TestParseAnalysisPayloadRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", "empty"},
		{"not json", "the video is nice", "not valid JSON"},
		{"missing summary", `{"topics": ["a"]}`, "missing required summary"},
		{"negative timestamp", `{"summary": "s", "notes": [{"timeSeconds": -3, "content": "x"}]}`, "negative timestamp"},
		{"empty note content", `{"summary": "s", "notes": [{"timeSeconds": 3, "content": ""}]}`, "empty content"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAnalysisPayload(tc.raw)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestPayloadData(t *testing.T) {
	score := 0.5
	p := &AnalysisPayload{
		Summary:     "s",
		Topics:      []string{"a"},
		Notes:       []AnalysisNote{{TimeSeconds: 7, Content: "n", SentimentScore: &score}},
		Suggestions: []string{"do better"},
	}
	data := p.Data()
	notes, ok := data["notes"].([]map[string]interface{})
	if !ok || len(notes) != 1 {
		t.Fatalf("notes = %v", data["notes"])
	}
	if notes[0]["timeSeconds"] != 7 || notes[0]["sentimentScore"] != 0.5 {
		t.Fatalf("note = %v", notes[0])
	}
}

func TestRemoteURLs(t *testing.T) {
	if got := WatchURL("abc123"); got != "https://www.youtube.com/watch?v=abc123" {
		t.Fatalf("watch url = %q", got)
	}
	if got := ThumbnailURL("abc123"); got != "https://img.youtube.com/vi/abc123/hqdefault.jpg" {
		t.Fatalf("thumbnail url = %q", got)
	}
}

func TestTaskExhausted(t *testing.T) {
	task := &Task{Attempts: 2, MaxAttempts: 3}
	if task.Exhausted() {
		t.Fatal("2/3 should not be exhausted")
	}
	task.Attempts = 3
	if !task.Exhausted() {
		t.Fatal("3/3 should be exhausted")
	}
}
