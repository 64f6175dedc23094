package httpsig

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Params holds the signature parameters extracted from an inbound request.
// Created per request, discarded after verification.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string // signed pseudo-header names, lower-cased
	Signature []byte
}

// ActorURL strips the key fragment (e.g. #main-key) from a keyId, leaving
// the actor URL to resolve.
func ActorURL(keyID string) string {
	if idx := strings.Index(keyID, "#"); idx >= 0 {
		return keyID[:idx]
	}
	return keyID
}

// ParseSignatureHeader extracts signature parameters from a request's
// headers. Two dialects are understood: the legacy parameter list carried
// in `Signature` (keyId="...",algorithm="...",headers="...",signature="...")
// and the structured `Signature-Input`/`Signature` pair. Returns false on
// any malformed or missing input; verification fails closed on false.
func ParseSignatureHeader(h http.Header) (*Params, bool) {
	if v := headerAnyCase(h, "Signature-Input"); v != "" {
		return parseStructured(v, headerAnyCase(h, "Signature"))
	}
	if v := headerAnyCase(h, "Signature"); v != "" {
		return parseLegacy(v)
	}
	return nil, false
}

// headerAnyCase tolerates non-canonical header keys stored by exotic
// clients (http.Header canonicalizes on Set, but raw maps from tests and
// proxies do not always comply).
func headerAnyCase(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// parseLegacy handles the draft-cavage parameter list.
func parseLegacy(value string) (*Params, bool) {
	p := &Params{}
	for _, part := range splitParams(value) {
		key, val, ok := cutParam(part)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "keyid":
			p.KeyID = val
		case "algorithm":
			p.Algorithm = val
		case "headers":
			for _, name := range strings.Fields(val) {
				p.Headers = append(p.Headers, strings.ToLower(name))
			}
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, false
			}
			p.Signature = sig
		}
	}

	if p.KeyID == "" || len(p.Signature) == 0 {
		return nil, false
	}
	if len(p.Headers) == 0 {
		// Dialect default when the headers parameter is omitted.
		p.Headers = []string{"date"}
	}
	return p, true
}

// parseStructured handles the Signature-Input dialect, where the covered
// components live in Signature-Input and the raw bytes in Signature as
// `label=:base64:`.
func parseStructured(input, signature string) (*Params, bool) {
	label, rest, found := strings.Cut(input, "=")
	if !found {
		return nil, false
	}
	label = strings.TrimSpace(label)

	p := &Params{}

	// Covered components: ("@request-target" "host" "date")
	if start := strings.Index(rest, "("); start >= 0 {
		if end := strings.Index(rest[start:], ")"); end > 0 {
			for _, comp := range strings.Fields(rest[start+1 : start+end]) {
				comp = strings.Trim(comp, `"`)
				switch comp {
				case "@request-target", "@target-uri":
					p.Headers = append(p.Headers, "(request-target)")
				case "@method":
					// folded into (request-target)
				default:
					p.Headers = append(p.Headers, strings.ToLower(comp))
				}
			}
		}
	}

	for _, part := range strings.Split(rest, ";") {
		key, val, ok := cutParam(part)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "keyid":
			p.KeyID = val
		case "alg":
			p.Algorithm = val
		}
	}

	// Find this label's signature bytes.
	for _, entry := range splitParams(signature) {
		key, val, ok := cutParam(entry)
		if !ok || key != label {
			continue
		}
		val = strings.Trim(val, ":")
		sig, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, false
		}
		p.Signature = sig
	}

	if p.KeyID == "" || len(p.Signature) == 0 || len(p.Headers) == 0 {
		return nil, false
	}
	return p, true
}

// splitParams splits a comma-separated parameter list, respecting quoted
// values that may themselves contain commas.
func splitParams(value string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range value {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// cutParam splits `key="value"` or `key=value`, trimming quotes.
func cutParam(part string) (key, value string, ok bool) {
	key, value, found := strings.Cut(strings.TrimSpace(part), "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.Trim(strings.TrimSpace(value), `"`), true
}
