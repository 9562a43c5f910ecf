package par2

import (
	"crypto/sha1"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// manifestCache avoids re-parsing the same PAR2 buffer twice: name
// resolution runs once per upload, so a hit comes from another upload
// whose PAR2 file has the same bytes. Bounded so a long-running process
// can't grow this unboundedly across many sessions.
var manifestCache, _ = lru.New[string, *Manifest](64)

// ParseCached is Parse with a content-addressed cache in front of it.
func ParseCached(buf []byte) (*Manifest, error) {
	key := digestKey(buf)
	if m, ok := manifestCache.Get(key); ok {
		return m, nil
	}

	m, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	manifestCache.Add(key, m)
	return m, nil
}

func digestKey(buf []byte) string {
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])
}
