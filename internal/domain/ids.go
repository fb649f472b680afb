package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed identifier such as run_3f2a...
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
