package lang

import "fmt"

// Tag identifies a supported language. Tags form a closed set; equality is
// the only operation the core performs on them.
type Tag string

const (
	English    Tag = "en"
	Spanish    Tag = "es"
	French     Tag = "fr"
	German     Tag = "de"
	Portuguese Tag = "pt"
	Yoruba     Tag = "yo"
	Hausa      Tag = "ha"
	Igbo       Tag = "ig"
)

var supported = map[Tag]string{
	English:    "English",
	Spanish:    "Spanish",
	French:     "French",
	German:     "German",
	Portuguese: "Portuguese",
	Yoruba:     "Yoruba",
	Hausa:      "Hausa",
	Igbo:       "Igbo",
}

// Parse validates a raw tag against the supported set.
func Parse(raw string) (Tag, error) {
	t := Tag(raw)
	if _, ok := supported[t]; !ok {
		return "", fmt.Errorf("unsupported language tag %q", raw)
	}
	return t, nil
}

// IsSupported reports whether t belongs to the closed set.
func IsSupported(t Tag) bool {
	_, ok := supported[t]
	return ok
}

// DisplayName returns the human-readable name for a tag, or the tag itself
// when unknown.
func (t Tag) DisplayName() string {
	if name, ok := supported[t]; ok {
		return name
	}
	return string(t)
}

// All returns the supported tags in no particular order.
func All() []Tag {
	tags := make([]Tag, 0, len(supported))
	for t := range supported {
		tags = append(tags, t)
	}
	return tags
}
