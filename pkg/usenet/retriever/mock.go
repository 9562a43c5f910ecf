package retriever

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nzbstream/pkg/nzbmodel"
)

// FromDisk is the mock-from-disk ArticleRetriever variant named in
// spec §9: it serves already-decoded segment payloads from fixture
// files instead of dialing an NNTP peer, keyed by message ID, giving
// deterministic segment bytes without a live server.
type FromDisk struct {
	Dir string
}

func (m *FromDisk) WarmPool(ctx context.Context) error { return nil }

func (m *FromDisk) Download(ctx context.Context, seg nzbmodel.Segment) ([]byte, error) {
	path := filepath.Join(m.Dir, sanitizeMessageID(seg.MessageID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mock retriever: %w", err)
	}
	return data, nil
}

// sanitizeMessageID turns a message ID like "<abc123@news>" into a
// filesystem-safe fixture name.
func sanitizeMessageID(id string) string {
	id = strings.Trim(id, "<>")
	id = strings.ReplaceAll(id, "/", "_")
	return id
}
