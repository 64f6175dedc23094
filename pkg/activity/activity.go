package activity

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Document is a parsed activity: a typed JSON object describing a social
// action (post, follow, like, announce). Field access goes through the
// typed accessors; the raw map is never handed to callers.
type Document map[string]interface{}

// Parse decodes raw bytes into a Document.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	return doc, nil
}

// Clone returns a deep copy of the document. The admission path keeps the
// pre-normalization original alongside the normalized copy.
func (d Document) Clone() Document {
	data, err := json.Marshal(d)
	if err != nil {
		return Document{}
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return Document{}
	}
	return out
}

// Type returns the activity type, or "" when absent or not a string.
func (d Document) Type() string {
	s, _ := d["type"].(string)
	return s
}

// Actor returns the actor field, or "" when absent or not a string.
func (d Document) Actor() string {
	s, _ := d["actor"].(string)
	return s
}

// ObjectID returns the activity object as an identifier: the object itself
// when it is a string, otherwise the nested object's id field.
func (d Document) ObjectID() string {
	switch obj := d["object"].(type) {
	case string:
		return obj
	case map[string]interface{}:
		id, _ := obj["id"].(string)
		return id
	}
	return ""
}

// LooksLikeURL reports whether s has the minimal shape of an actor URL.
func LooksLikeURL(s string) bool {
	return strings.Contains(s, "://") && strings.Contains(s, ".")
}

// Domain extracts the host part of an actor URL.
func Domain(actorURL string) (string, error) {
	u, err := url.Parse(actorURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse actor URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("actor URL %q has no host", actorURL)
	}
	return u.Hostname(), nil
}

// localAddressPatterns match private and loopback hosts that a remote actor
// URL must never carry when local-network access is disabled.
var localAddressPatterns = []string{
	"://localhost",
	"://127.",
	"://0.0.0.0",
	"://[::1]",
	"://10.",
	"://192.168.",
	"://169.254.",
	"://172.16.", "://172.17.", "://172.18.", "://172.19.",
	"://172.20.", "://172.21.", "://172.22.", "://172.23.",
	"://172.24.", "://172.25.", "://172.26.", "://172.27.",
	"://172.28.", "://172.29.", "://172.30.", "://172.31.",
}

// ContainsLocalAddress reports whether a URL points into the local or a
// private network.
func ContainsLocalAddress(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, pattern := range localAddressPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// ScanForLocalLinks reports whether the decoded body embeds links into the
// local network anywhere outside the top-level actor field. Remote peers
// have no business referencing our loopback or LAN addresses; such bodies
// are treated as spoofing attempts.
func ScanForLocalLinks(raw []byte) bool {
	return ContainsLocalAddress(string(raw))
}
