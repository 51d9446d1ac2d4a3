package stitch

import (
	"context"
	"strings"
	"testing"
)

func TestConcatenateRejectsSingleSegment(t *testing.T) {
	c := New("demo", "key", "secret")
	if _, err := c.Concatenate(context.Background(), []string{"https://v.example.com/1.mp4"}); err == nil {
		t.Fatal("expected error for a single segment")
	}
}

func TestSplicedURLOrder(t *testing.T) {
	c := New("demo", "key", "secret")
	url := c.splicedURL([]string{"avatarcast/b1/seg_1", "avatarcast/b1/seg_2", "avatarcast/b1/seg_3"})

	if !strings.HasPrefix(url, "https://res.cloudinary.com/demo/video/upload/") {
		t.Fatalf("wrong base: %s", url)
	}
	if !strings.HasSuffix(url, "avatarcast/b1/seg_1.mp4") {
		t.Fatalf("base video must be the first segment: %s", url)
	}
	// Overlay ids use colon-escaped paths and splice in segment order.
	i2 := strings.Index(url, "l_video:avatarcast:b1:seg_2")
	i3 := strings.Index(url, "l_video:avatarcast:b1:seg_3")
	if i2 < 0 || i3 < 0 || i2 > i3 {
		t.Fatalf("overlays missing or out of order: %s", url)
	}
	if strings.Count(url, "fl_splice") != 2 {
		t.Fatalf("expected 2 splice layers: %s", url)
	}
}

func TestSignedFormIsDeterministicallySigned(t *testing.T) {
	c := New("demo", "key", "secret")
	form := c.signedForm(map[string]string{"public_id": "avatarcast/x/seg_1"})

	if form.Get("api_key") != "key" {
		t.Fatalf("api_key missing: %v", form)
	}
	if form.Get("timestamp") == "" || form.Get("signature") == "" {
		t.Fatalf("timestamp and signature required: %v", form)
	}
	if len(form.Get("signature")) != 40 {
		t.Fatalf("signature should be 40 hex chars, got %q", form.Get("signature"))
	}
}
