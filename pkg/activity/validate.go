package activity

import "strings"

// recognizedContexts are the linked-data context IRIs an inbound activity
// may declare. Anything else fails structural validation.
var recognizedContexts = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
	"http://litepub.social/ns",
}

// objectStringFields are the nested object fields that, when present, must
// be strings.
var objectStringFields = []string{
	"id", "type", "actor", "attributedTo", "inReplyTo", "content", "url",
}

// objectListFields are the nested object fields that, when present, must be
// lists.
var objectListFields = []string{"to", "cc", "attachment"}

// topLevelListFields are the top-level addressing fields that, when
// present, must be lists.
var topLevelListFields = []string{"to", "cc"}

// ValidateShape checks the structural shape of an inbound activity. It
// returns false on the first violated rule; the caller maps that to a 400.
func ValidateShape(doc Document) bool {
	if doc == nil {
		return false
	}

	if !hasRecognizedContext(doc) {
		return false
	}

	actor := doc.Actor()
	if actor == "" || !LooksLikeURL(actor) {
		return false
	}

	for _, field := range topLevelListFields {
		if !fieldIsListIfPresent(doc, field) {
			return false
		}
	}

	// Nested object, when it is an object, gets the same treatment.
	if obj, ok := doc["object"].(map[string]interface{}); ok {
		for _, field := range objectStringFields {
			if v, present := obj[field]; present {
				if _, isString := v.(string); !isString {
					return false
				}
			}
		}
		for _, field := range objectListFields {
			if v, present := obj[field]; present {
				if _, isList := v.([]interface{}); !isList {
					return false
				}
			}
		}
	}

	return true
}

func hasRecognizedContext(doc Document) bool {
	ctx, present := doc["@context"]
	if !present {
		return false
	}

	switch v := ctx.(type) {
	case string:
		return isRecognizedContext(v)
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && isRecognizedContext(s) {
				return true
			}
		}
	}
	return false
}

func isRecognizedContext(iri string) bool {
	for _, known := range recognizedContexts {
		if strings.TrimSuffix(iri, "/") == known {
			return true
		}
	}
	return false
}

func fieldIsListIfPresent(doc Document, field string) bool {
	v, present := doc[field]
	if !present {
		return true
	}
	_, isList := v.([]interface{})
	return isList
}
