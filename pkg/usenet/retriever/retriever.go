// Package retriever implements component A of the spec: a pooled,
// authenticated article download with yEnc decode and retry.
//
// ArticleRetriever is the one polymorphism point named in spec §9: a
// live NNTP-backed implementation and a mock-from-disk implementation
// share this interface so the scheduler (component G) is generic over
// either.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nzbstream/pkg/logger"
	"nzbstream/pkg/nzbmodel"
	"nzbstream/pkg/usenet/nntp"
	"nzbstream/pkg/usenet/yenc"
)

// ArticleRetriever downloads and yEnc-decodes one segment's payload.
type ArticleRetriever interface {
	Download(ctx context.Context, seg nzbmodel.Segment) ([]byte, error)
	WarmPool(ctx context.Context) error
}

// maxElapsed bounds the total retry window for one segment download, per
// spec §4.A ("Exponential back-off with a 30s maximum elapsed time").
const maxElapsed = 30 * time.Second

// NNTPRetriever is the live implementation, backed by a pool of
// authenticated NNTP connections.
type NNTPRetriever struct {
	pool *nntp.ClientPool
}

func New(pool *nntp.ClientPool) *NNTPRetriever {
	return &NNTPRetriever{pool: pool}
}

func (r *NNTPRetriever) WarmPool(ctx context.Context) error {
	r.pool.WarmPool(ctx)
	return nil
}

// Download acquires a connection, issues BODY <message-id>, reads the
// whole body, yEnc-decodes it, and releases the connection. Transport
// failures are retried with exponential back-off up to maxElapsed;
// authentication failures are fatal and surface immediately.
func (r *NNTPRetriever) Download(ctx context.Context, seg nzbmodel.Segment) ([]byte, error) {
	deadline := time.Now().Add(maxElapsed)
	backoff := 250 * time.Millisecond
	var lastErr error

	for attempt := 0; ; attempt++ {
		data, err := r.downloadOnce(ctx, seg)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, nntp.ErrAuthFailed) {
			return nil, err
		}
		lastErr = err

		if time.Now().After(deadline) {
			break
		}
		remaining := time.Until(deadline)
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		logger.Warn("retriever: segment download failed, retrying", "message_id", seg.MessageID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("retriever: segment %s failed after %s: %w", seg.MessageID, maxElapsed, lastErr)
}

func (r *NNTPRetriever) downloadOnce(ctx context.Context, seg nzbmodel.Segment) ([]byte, error) {
	c, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.Body(seg.MessageID)
	if err != nil {
		r.pool.Discard(c)
		return nil, err
	}

	frame, err := yenc.Decode(body)
	if err != nil {
		r.pool.Discard(c)
		return nil, fmt.Errorf("yenc decode: %w", err)
	}
	r.pool.Put(c)
	return frame.Data, nil
}
