package storage

import "testing"

func TestObjectKeys(t *testing.T) {
	if got := BibleObjectKey("S1", 3); got != "bibles/S1/v3.json" {
		t.Fatalf("unexpected bible key %q", got)
	}
	if got := ThumbnailObjectKey("S1", "seg-1", "jpeg"); got != "thumbnails/S1/seg-1.jpeg" {
		t.Fatalf("unexpected thumbnail key %q", got)
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket to be rejected")
	}
	c, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b", Bucket: "sceneforge"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "sceneforge" {
		t.Fatalf("unexpected bucket %q", c.Bucket())
	}
}
