package cache

import (
	"testing"
	"time"
)

func TestResponseCacheHitWithinTTL(t *testing.T) {
	c := NewResponseCache(Config{TTL: time.Minute})
	signature := c.BuildSignature("azure/gpt-5-mini", "career", "如何转型管理岗？")

	c.Set(signature, Entry{Reply: "可以从带项目开始。", ModelID: "azure/gpt-5-mini"})

	entry, ok := c.Get(signature)
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if entry.Reply != "可以从带项目开始。" {
		t.Fatalf("unexpected reply: %q", entry.Reply)
	}
}

func TestResponseCacheExpires(t *testing.T) {
	c := NewResponseCache(Config{TTL: time.Millisecond})
	signature := c.BuildSignature("azure/gpt-5-mini", "career", "q")
	c.Set(signature, Entry{Reply: "a"})

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(signature); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestSignatureNormalizesCaseAndWhitespace(t *testing.T) {
	c := NewResponseCache(Config{})
	a := c.BuildSignature("Azure/GPT-5-mini", "career", "  如何转型管理岗？ ")
	b := c.BuildSignature("azure/gpt-5-mini", "career", "如何转型管理岗？")
	if a != b {
		t.Fatalf("expected equal signatures, got %q vs %q", a, b)
	}
	if other := c.BuildSignature("azure/gpt-5-mini", "offer", "如何转型管理岗？"); other == a {
		t.Fatalf("tab must change the signature")
	}
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	c := NewResponseCache(Config{TTL: time.Minute, MaxEntries: 2})
	c.Set("first", Entry{Reply: "1"})
	time.Sleep(2 * time.Millisecond)
	c.Set("second", Entry{Reply: "2"})
	time.Sleep(2 * time.Millisecond)
	c.Set("third", Entry{Reply: "3"})

	if _, ok := c.Get("first"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
	if _, ok := c.Get("third"); !ok {
		t.Fatalf("expected newest entry present")
	}
}
