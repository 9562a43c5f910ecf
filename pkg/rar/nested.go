package rar

import (
	"fmt"
	"strings"

	"github.com/javi11/rardecode/v2"
)

// archiveExts lists extensions that mark a RAR entry as itself being a
// container, the RAR-in-RAR case the teacher's unpack pipeline guards
// against before attempting to stream the inner file directly.
var archiveExts = []string{".rar", ".7z", ".zip"}

// NestedArchive inspects a complete, on-disk RAR volume (as opposed to
// Analyse's single in-memory segment) and reports whether its single
// entry is itself another archive, via the full header-walking library
// rather than the buffer-only scan Analyse does. This is the one place
// this package still delegates to a real RAR-parsing library, since
// unlike payload-offset location, listing a multi-part archive's full
// entry table is not something the spec requires to be hand-rolled.
func NestedArchive(volumePath string) (inner string, isNested bool, err error) {
	entries, err := rardecode.ListArchiveInfo(volumePath)
	if err != nil {
		return "", false, fmt.Errorf("rar: nested archive probe: %w", err)
	}
	if len(entries) != 1 {
		return "", false, nil
	}

	name := entries[0].Name
	lower := strings.ToLower(name)
	for _, ext := range archiveExts {
		if strings.HasSuffix(lower, ext) {
			return name, true, nil
		}
	}
	return "", false, nil
}
