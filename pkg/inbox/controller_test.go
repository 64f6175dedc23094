package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"warren/pkg/blocklist"
)

func testController(t *testing.T, maxQueue int, blockedDomains []string) *Controller {
	t.Helper()
	queue, err := NewQueue(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cache := blocklist.NewCache(blocklist.NewStaticStore(blockedDomains), time.Minute, zap.NewNop())
	if err := cache.ForceRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	return NewController(queue, cache, "a.example", maxQueue, false, nil, zap.NewNop())
}

func followJSON(actor string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       actor + "/activities/1",
		"type":     "Follow",
		"actor":    actor,
		"object":   "https://a.example/users/alice",
	})
	return raw
}

func testHeaders() http.Header {
	h := http.Header{}
	h.Set("Host", "a.example")
	h.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT")
	h.Set("Signature", `keyId="https://b.example/users/bob#main-key",signature="YWJj"`)
	h.Set("Content-Type", "application/activity+json")
	h.Set("X-Unrelated", "dropped")
	return h
}

func TestAdmit_Accepted(t *testing.T) {
	c := testController(t, 10, nil)

	result := c.Admit(context.Background(), "alice", followJSON("https://b.example/users/bob"), testHeaders(), "/users/alice/inbox")
	if result != Accepted {
		t.Fatalf("result = %v, want Accepted", result)
	}
	if c.Queue().Len() != 1 {
		t.Errorf("queue depth = %d, want 1", c.Queue().Len())
	}

	item, ok := c.Queue().Dequeue()
	if !ok {
		t.Fatal("queue should hold the admitted item")
	}

	// Normalization synthesized the `to` field; the original copy is kept
	// without it.
	to, ok := item.Parsed["to"].([]interface{})
	if !ok || len(to) != 1 || to[0] != "https://a.example/users/alice" {
		t.Errorf("parsed to = %v", item.Parsed["to"])
	}
	if _, present := item.Original["to"]; present {
		t.Error("original copy should be pre-normalization")
	}

	// Only the selected header subset is persisted.
	if item.Headers["host"] != "a.example" {
		t.Errorf("headers = %v", item.Headers)
	}
	if _, present := item.Headers["x-unrelated"]; present {
		t.Error("unrelated header persisted")
	}
	if item.RequestPath != "/users/alice/inbox" {
		t.Errorf("request path = %q", item.RequestPath)
	}
}

func TestAdmit_Invalid(t *testing.T) {
	c := testController(t, 10, nil)
	ctx := context.Background()

	cases := map[string][]byte{
		"not json":       []byte(`{broken`),
		"no context":     []byte(`{"type":"Follow","actor":"https://b.example/users/bob"}`),
		"numeric actor":  []byte(`{"@context":"https://www.w3.org/ns/activitystreams","type":"Follow","actor":7}`),
		"to not list":    []byte(`{"@context":"https://www.w3.org/ns/activitystreams","type":"Follow","actor":"https://b.example/users/bob","to":"x"}`),
		"local actor":    []byte(`{"@context":"https://www.w3.org/ns/activitystreams","type":"Follow","actor":"http://127.0.0.1/users/bob"}`),
	}
	for name, raw := range cases {
		if result := c.Admit(ctx, "alice", raw, testHeaders(), "/users/alice/inbox"); result != RejectedInvalid {
			t.Errorf("%s: result = %v, want RejectedInvalid", name, result)
		}
	}
	if c.Queue().Len() != 0 {
		t.Errorf("queue depth = %d after invalid admissions", c.Queue().Len())
	}
}

func TestAdmit_Blocked(t *testing.T) {
	c := testController(t, 10, []string{"b.example"})

	result := c.Admit(context.Background(), "alice", followJSON("https://b.example/users/bob"), testHeaders(), "/users/alice/inbox")
	if result != RejectedBlocked {
		t.Fatalf("result = %v, want RejectedBlocked", result)
	}
	if c.Queue().Len() != 0 {
		t.Error("blocked activity reached the queue")
	}
}

func TestAdmit_Malicious(t *testing.T) {
	c := testController(t, 10, nil)

	raw, _ := json.Marshal(map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Create",
		"actor":    "https://b.example/users/bob",
		"object": map[string]interface{}{
			"type":    "Note",
			"content": "see http://192.168.1.10/admin",
		},
	})

	result := c.Admit(context.Background(), "alice", raw, testHeaders(), "/users/alice/inbox")
	if result != RejectedMalicious {
		t.Fatalf("result = %v, want RejectedMalicious", result)
	}
}

func TestAdmit_Backpressure(t *testing.T) {
	c := testController(t, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		actor := fmt.Sprintf("https://b.example/users/u%d", i)
		if result := c.Admit(ctx, "alice", followJSON(actor), testHeaders(), "/users/alice/inbox"); result != Accepted {
			t.Fatalf("admission %d = %v, want Accepted", i, result)
		}
	}

	result := c.Admit(ctx, "alice", followJSON("https://b.example/users/u3"), testHeaders(), "/users/alice/inbox")
	if result != RejectedBusy {
		t.Fatalf("4th admission = %v, want RejectedBusy", result)
	}
	if c.Queue().Len() != 3 {
		t.Errorf("queue depth = %d, want 3 (rejection must not alter it)", c.Queue().Len())
	}
	if !c.Queue().RestartRequested() {
		t.Error("overflow should raise the restart flag")
	}

	// While the restart flag is up, everything is busy.
	if result := c.Admit(ctx, "alice", followJSON("https://b.example/users/u4"), testHeaders(), "/users/alice/inbox"); result != RejectedBusy {
		t.Errorf("admission during restart = %v, want RejectedBusy", result)
	}
}

func TestAdmit_DuplicateAccepted(t *testing.T) {
	// Dedup is the consumer's concern: identical bytes resent while the
	// first copy is still queued are admitted again.
	c := testController(t, 10, nil)
	ctx := context.Background()
	raw := followJSON("https://b.example/users/bob")

	if result := c.Admit(ctx, "alice", raw, testHeaders(), "/users/alice/inbox"); result != Accepted {
		t.Fatal("first admission failed")
	}
	if result := c.Admit(ctx, "alice", raw, testHeaders(), "/users/alice/inbox"); result != Accepted {
		t.Error("duplicate resend should still be accepted")
	}
	if c.Queue().Len() != 2 {
		t.Errorf("queue depth = %d, want 2", c.Queue().Len())
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(500 * time.Millisecond)
	base := time.Now()
	l.now = func() time.Time { return base }

	if !l.Allow() {
		t.Fatal("first request should pass")
	}
	base = base.Add(100 * time.Millisecond)
	if l.Allow() {
		t.Error("request inside the window should be rejected")
	}
	base = base.Add(500 * time.Millisecond)
	if !l.Allow() {
		t.Error("request after the window should pass")
	}

	if !NewRateLimiter(0).Allow() {
		t.Error("zero window disables limiting")
	}
}
