package activity

import (
	"testing"
)

func validFollow() Document {
	return Document{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://b.example/activities/1",
		"type":     "Follow",
		"actor":    "https://b.example/users/bob",
		"object":   "https://a.example/users/alice",
	}
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(`{"type":"Follow","actor":"https://b.example/users/bob"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Type() != "Follow" {
		t.Errorf("Type = %q, want Follow", doc.Type())
	}
	if doc.Actor() != "https://b.example/users/bob" {
		t.Errorf("Actor = %q", doc.Actor())
	}

	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(Document)
		want   bool
	}{
		{"valid follow", func(Document) {}, true},
		{"missing context", func(d Document) { delete(d, "@context") }, false},
		{"unknown context", func(d Document) { d["@context"] = "https://evil.example/ns" }, false},
		{"context list with known entry", func(d Document) {
			d["@context"] = []interface{}{"https://w3id.org/security/v1", "https://www.w3.org/ns/activitystreams"}
		}, true},
		{"missing actor", func(d Document) { delete(d, "actor") }, false},
		{"actor not a string", func(d Document) { d["actor"] = 42 }, false},
		{"actor not a URL", func(d Document) { d["actor"] = "bob" }, false},
		{"to as string", func(d Document) { d["to"] = "https://a.example/users/alice" }, false},
		{"to as list", func(d Document) { d["to"] = []interface{}{"https://a.example/users/alice"} }, true},
		{"cc as object", func(d Document) { d["cc"] = map[string]interface{}{} }, false},
		{"nested object id not string", func(d Document) {
			d["object"] = map[string]interface{}{"id": 7}
		}, false},
		{"nested object attachment not list", func(d Document) {
			d["object"] = map[string]interface{}{"id": "https://x.example/1", "attachment": "nope"}
		}, false},
		{"nested object well formed", func(d Document) {
			d["object"] = map[string]interface{}{
				"id":         "https://x.example/1",
				"type":       "Note",
				"to":         []interface{}{"https://a.example/users/alice"},
				"attachment": []interface{}{},
			}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validFollow()
			tt.mutate(doc)
			if got := ValidateShape(doc); got != tt.want {
				t.Errorf("ValidateShape = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeAddressing(t *testing.T) {
	doc := validFollow()
	changed := NormalizeAddressing(doc, "https://a.example/users/alice")
	if !changed {
		t.Fatal("expected normalization to apply")
	}
	to, ok := doc["to"].([]interface{})
	if !ok || len(to) != 1 || to[0] != "https://a.example/users/alice" {
		t.Errorf("to = %v, want [https://a.example/users/alice]", doc["to"])
	}

	// Existing `to` is left alone.
	doc2 := validFollow()
	doc2["to"] = []interface{}{"https://c.example/users/carol"}
	if NormalizeAddressing(doc2, "https://a.example/users/alice") {
		t.Error("should not normalize when to is present")
	}

	// Create is not an addressed type.
	doc3 := validFollow()
	doc3["type"] = "Create"
	if NormalizeAddressing(doc3, "https://a.example/users/alice") {
		t.Error("should not normalize a Create")
	}
}

func TestContainsLocalAddress(t *testing.T) {
	local := []string{
		"http://127.0.0.1/users/x",
		"http://localhost:8080/users/x",
		"https://192.168.1.4/users/x",
		"https://[::1]/users/x",
		"https://172.20.0.1/users/x",
	}
	for _, u := range local {
		if !ContainsLocalAddress(u) {
			t.Errorf("ContainsLocalAddress(%q) = false, want true", u)
		}
	}

	remote := []string{
		"https://b.example/users/bob",
		"https://17.2.0.1/users/x", // not in the 172.16/12 range
	}
	for _, u := range remote {
		if ContainsLocalAddress(u) {
			t.Errorf("ContainsLocalAddress(%q) = true, want false", u)
		}
	}
}

func TestDomain(t *testing.T) {
	d, err := Domain("https://b.example/users/bob")
	if err != nil || d != "b.example" {
		t.Errorf("Domain = %q, %v", d, err)
	}
	if _, err := Domain("not a url"); err == nil {
		t.Error("expected error for URL without host")
	}
}

func TestClone(t *testing.T) {
	doc := validFollow()
	clone := doc.Clone()
	NormalizeAddressing(doc, "https://a.example/users/alice")
	if _, present := clone["to"]; present {
		t.Error("clone should not observe mutation of the original")
	}
}
