package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

// imageMeta is what the remote host reports about an image without sending it.
type imageMeta struct {
	Size     int64
	MimeType string
}

// head asks for the size and type of the image at rawURL. It goes through the same
// limiter and retry policy as get. Hosts that refuse HEAD or omit the length are asked
// for the first byte, and the total is read from Content-Range. A response without an
// image type or a positive size is reported as ErrMalformed.
func (c *client) head(ctx context.Context, rawURL string) (imageMeta, error) {
	var meta imageMeta
	err := c.do(ctx, func(ctx context.Context) error {
		m, err := c.requestMeta(ctx, http.MethodHead, rawURL)
		var se *StatusError
		refused := errors.As(err, &se) &&
			(se.StatusCode == http.StatusMethodNotAllowed || se.StatusCode == http.StatusNotImplemented)
		if refused || (err == nil && m.Size <= 0) {
			m, err = c.requestMeta(ctx, http.MethodGet, rawURL)
		}
		meta = m
		return err
	})
	if err != nil {
		return imageMeta{}, err
	}
	if meta.Size <= 0 || meta.MimeType == "" {
		return imageMeta{}, fmt.Errorf("%w: no image metadata for %s", ErrMalformed, rawURL)
	}
	return meta, nil
}

func (c *client) requestMeta(ctx context.Context, method, rawURL string) (imageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return imageMeta{}, backoff.Permanent(err)
	}
	req.Header = c.header.Clone()
	req.Header.Del("Accept")
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return imageMeta{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return imageMeta{}, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	meta := imageMeta{Size: resp.ContentLength, MimeType: imageType(resp.Header.Get("Content-Type"))}
	if resp.StatusCode == http.StatusPartialContent {
		meta.Size = contentRangeTotal(resp.Header.Get("Content-Range"))
	}
	return meta, nil
}

// imageType returns the media type of an image/* Content-Type, or "".
func imageType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}

// contentRangeTotal reads the complete length from "bytes 0-0/12345". An unknown total is -1.
func contentRangeTotal(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// fillMeta stamps each item with the size and type of its image. Items whose metadata
// cannot be had are dropped and counted; only cancellation aborts the page.
func (c *client) fillMeta(ctx context.Context, items []storage.Wallpaper) ([]storage.Wallpaper, int, error) {
	kept := items[:0]
	skipped := 0
	for _, w := range items {
		meta, err := c.head(ctx, w.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			logger.Debug().Err(err).Str("source", string(c.source)).Str("id", w.SourceID).Msg("Skipping item without image metadata")
			skipped++
			continue
		}
		w.Size = meta.Size
		w.MimeType = meta.MimeType
		kept = append(kept, w)
	}
	return kept, skipped, nil
}
