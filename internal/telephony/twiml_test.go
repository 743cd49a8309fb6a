package telephony

import (
	"strings"
	"testing"
)

func TestRenderStreamDirective(t *testing.T) {
	xml, err := RenderStreamDirective("wss://api.example.com/v1/convai/conversation?token=abc")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Connect>") {
		t.Fatalf("expected <Connect> in xml: %s", xml)
	}
	if !strings.Contains(xml, `url="wss://api.example.com/v1/convai/conversation?token=abc"`) {
		t.Fatalf("expected stream url attribute in xml: %s", xml)
	}
	if !strings.HasPrefix(xml, "<?xml") {
		t.Fatalf("expected xml declaration: %s", xml)
	}
}

func TestRenderStreamDirectiveRequiresURL(t *testing.T) {
	if _, err := RenderStreamDirective("   "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestRenderHangupDirective(t *testing.T) {
	xml := RenderHangupDirective()
	if !strings.Contains(xml, "<Hangup") {
		t.Fatalf("expected <Hangup> in xml: %s", xml)
	}
	if strings.Contains(xml, "<Connect") {
		t.Fatalf("hangup directive must not connect: %s", xml)
	}
}
