package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/wallbot/internal/storage"
)

// Civitai lists generated images from the civitai images API. Pages are linked
// through metadata.nextPage, which becomes the next cursor.
type Civitai struct {
	c        *client
	start    string
	maxPages int
}

type civitaiImage struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	NSFW      bool   `json:"nsfw"`
	NSFWLevel string `json:"nsfwLevel"`
	Type      string `json:"type"`
	Username  string `json:"username"`
}

type civitaiResponse struct {
	Items    []civitaiImage `json:"items"`
	Metadata struct {
		NextPage string `json:"nextPage"`
	} `json:"metadata"`
}

// NewCivitai creates the civitai adapter. The API key is sent as a bearer token.
func NewCivitai(opts Options) (Adapter, error) {
	base := strings.TrimRight(opts.baseURL("https://civitai.com"), "/")
	q := opts.query(map[string]string{
		"limit":  "50",
		"sort":   "Newest",
		"period": "Month",
	})

	withAuth := opts
	withAuth.HTTPClient = opts.bearerClient(opts.APIKey)

	c := newClient(storage.SourceCivitai, withAuth, opts.minInterval(200*time.Millisecond))
	c.header.Set("Content-Type", "application/json")

	return &Civitai{
		c:        c,
		start:    base + "/api/v1/images?" + q.Encode(),
		maxPages: opts.maxPages(20),
	}, nil
}

func (a *Civitai) Name() storage.Source { return storage.SourceCivitai }
func (a *Civitai) Start() Cursor        { return Cursor(a.start) }
func (a *Civitai) MaxPages() int        { return a.maxPages }

func (a *Civitai) FetchPage(ctx context.Context, cursor Cursor) (Page, error) {
	u, err := url.Parse(string(cursor))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Page{}, &FatalError{Source: a.Name(), Err: fmt.Errorf("bad cursor %q", cursor)}
	}

	var resp civitaiResponse
	if err := a.c.getJSON(ctx, u.String(), &resp); err != nil {
		return Page{}, err
	}

	out := Page{
		Next: Cursor(resp.Metadata.NextPage),
		Done: resp.Metadata.NextPage == "" || len(resp.Items) == 0,
	}
	for _, img := range resp.Items {
		w, ok := img.toWallpaper()
		if !ok {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, w)
	}

	items, skipped, err := a.c.fillMeta(ctx, out.Items)
	if err != nil {
		return Page{}, err
	}
	out.Items = items
	out.Skipped += skipped
	return out, nil
}

func (img civitaiImage) toWallpaper() (storage.Wallpaper, bool) {
	if img.ID == 0 || img.URL == "" || img.Width <= 0 || img.Height <= 0 {
		return storage.Wallpaper{}, false
	}
	if img.Type != "" && img.Type != "image" {
		return storage.Wallpaper{}, false
	}

	id := strconv.FormatInt(img.ID, 10)
	w := storage.Wallpaper{
		Source:   storage.SourceCivitai,
		SourceID: id,
		URL:      img.URL,
		PageURL:  "https://civitai.com/images/" + id,
		Safety:   civitaiSafety(img),
		Width:    img.Width,
		Height:   img.Height,
	}
	if img.Username != "" {
		w.Author = img.Username
		w.AuthorURL = "https://civitai.com/user/" + url.PathEscape(img.Username)
	}
	return w, true
}

func civitaiSafety(img civitaiImage) storage.Safety {
	if img.NSFW {
		return storage.SafetyNSFW
	}
	switch img.NSFWLevel {
	case "", "None":
		return storage.SafetySFW
	default:
		return storage.SafetyNSFW
	}
}
