package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// NewID returns a random identifier, optionally prefixed ("req_3f2a...").
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// ValidID reports whether id is a well-formed opaque identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
