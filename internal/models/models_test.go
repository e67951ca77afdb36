package models

import (
	"encoding/json"
	"testing"
)

func TestKindFromMime(t *testing.T) {
	cases := []struct {
		name     string
		mime     string
		expected MediaKind
	}{
		{name: "video", mime: "video/mp4", expected: MediaKindVideo},
		{name: "audio", mime: "audio/mpeg", expected: MediaKindAudio},
		{name: "image", mime: "image/png", expected: MediaKindImage},
		{name: "unknown", mime: "application/octet-stream", expected: MediaKindVideo},
		{name: "empty", mime: "", expected: MediaKindVideo},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindFromMime(tc.mime); got != tc.expected {
				t.Fatalf("KindFromMime(%q) = %q, expected %q", tc.mime, got, tc.expected)
			}
		})
	}
}

func TestMediaJSONHidesBlobKeys(t *testing.T) {
	key := "archive/u1/m1.mp4"
	media := Media{
		ID:           "m1",
		OwnerID:      "u1",
		Filename:     "clip.mp4",
		MimeType:     "video/mp4",
		Kind:         MediaKindVideo,
		Status:       MediaStatusCompleted,
		Stage:        StageCompleted,
		OriginalKey:  &key,
		ThumbnailKey: &key,
		ManifestKey:  &key,
	}
	payload, err := json.Marshal(media)
	if err != nil {
		t.Fatalf("marshal media: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	for _, field := range []string{"OriginalKey", "ThumbnailKey", "ManifestKey", "JobID", "originalKey"} {
		if _, ok := decoded[field]; ok {
			t.Errorf("expected %s to be hidden from JSON", field)
		}
	}
	if decoded["currentStage"] != StageCompleted {
		t.Fatalf("expected currentStage %q, got %v", StageCompleted, decoded["currentStage"])
	}
}

func TestUserJSONHidesPasswordHash(t *testing.T) {
	payload, err := json.Marshal(User{ID: "u1", Email: "a@example.com", PasswordHash: "secret"})
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if _, ok := decoded["PasswordHash"]; ok {
		t.Fatalf("expected password hash to be hidden from JSON")
	}
}
