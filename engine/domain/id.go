package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PaperID derives the natural key for a record from its title, conference,
// and year. The digest is truncated to 12 hex characters, which keeps IDs
// short enough for filter expressions while making accidental collisions
// across a corpus of conference papers implausible.
func PaperID(title, conference string, year int) string {
	content := fmt.Sprintf("%s_%s_%d",
		strings.TrimSpace(title), strings.TrimSpace(conference), year)
	sum := sha256.Sum256([]byte(content))
	return "paper_" + hex.EncodeToString(sum[:])[:12]
}
