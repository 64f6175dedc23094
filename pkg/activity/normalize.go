package activity

// addressedTypes are the activity types that receive a synthesized `to`
// field when the sender omitted one, so downstream delivery sees a uniform
// addressing shape.
var addressedTypes = map[string]bool{
	"Follow":     true,
	"Like":       true,
	"EmojiReact": true,
	"Add":        true,
	"Remove":     true,
	"Ignore":     true,
}

// NormalizeAddressing synthesizes a `to` field for the addressed activity
// types when absent. The target is the activity object when it names one,
// otherwise the fallback recipient (the inbox owner's actor URL). Returns
// true when the document was changed.
func NormalizeAddressing(doc Document, fallbackRecipient string) bool {
	if doc == nil || !addressedTypes[doc.Type()] {
		return false
	}
	if _, present := doc["to"]; present {
		return false
	}

	target := doc.ObjectID()
	if target == "" {
		target = fallbackRecipient
	}
	if target == "" {
		return false
	}

	doc["to"] = []interface{}{target}
	return true
}
