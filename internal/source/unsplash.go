package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/user/wallbot/internal/storage"
)

// Unsplash lists the photos of an unsplash topic. Without an access key the public
// napi endpoint is used; with one the official API is called with a Client-ID header.
type Unsplash struct {
	c        *client
	listURL  string
	query    url.Values
	maxPages int
}

type unsplashPhoto struct {
	ID             string `json:"id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Color          string `json:"color"`
	Description    string `json:"description"`
	AltDescription string `json:"alt_description"`
	URLs           struct {
		Raw     string `json:"raw"`
		Full    string `json:"full"`
		Regular string `json:"regular"`
		Small   string `json:"small"`
	} `json:"urls"`
	Links struct {
		HTML string `json:"html"`
	} `json:"links"`
	User struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Links    struct {
			HTML string `json:"html"`
		} `json:"links"`
	} `json:"user"`
	Tags []struct {
		Title string `json:"title"`
	} `json:"tags"`
}

// NewUnsplash creates the unsplash adapter.
func NewUnsplash(opts Options) (Adapter, error) {
	base := opts.baseURL("https://unsplash.com/napi")
	if opts.APIKey != "" && opts.BaseURL == "" {
		base = "https://api.unsplash.com"
	}

	q := opts.query(map[string]string{
		"topic":    "wallpapers",
		"per_page": "10",
	})
	topic := q.Get("topic")
	q.Del("topic")
	if topic == "" {
		return nil, fmt.Errorf("unsplash: empty topic")
	}

	c := newClient(storage.SourceUnsplash, opts, opts.minInterval(time.Second))
	c.header.Set("Accept", "application/json")
	if opts.APIKey != "" {
		c.header.Set("Authorization", "Client-ID "+opts.APIKey)
		c.header.Set("Accept-Version", "v1")
	}

	return &Unsplash{
		c:        c,
		listURL:  base + "/topics/" + url.PathEscape(topic) + "/photos",
		query:    q,
		maxPages: opts.maxPages(9),
	}, nil
}

func (a *Unsplash) Name() storage.Source { return storage.SourceUnsplash }
func (a *Unsplash) Start() Cursor        { return "1" }
func (a *Unsplash) MaxPages() int        { return a.maxPages }

func (a *Unsplash) FetchPage(ctx context.Context, cursor Cursor) (Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 1 {
		return Page{}, &FatalError{Source: a.Name(), Err: fmt.Errorf("bad cursor %q", cursor)}
	}

	q := cloneValues(a.query)
	q.Set("page", strconv.Itoa(page))

	var photos []unsplashPhoto
	if err := a.c.getJSON(ctx, a.listURL+"?"+q.Encode(), &photos); err != nil {
		return Page{}, err
	}

	out := Page{Next: Cursor(strconv.Itoa(page + 1)), Done: len(photos) == 0}
	for _, p := range photos {
		w, ok := p.toWallpaper()
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

func (p unsplashPhoto) toWallpaper() (storage.Wallpaper, bool) {
	if p.ID == "" || p.URLs.Raw == "" || p.Width <= 0 || p.Height <= 0 {
		return storage.Wallpaper{}, false
	}

	w := storage.Wallpaper{
		Source:       storage.SourceUnsplash,
		SourceID:     p.ID,
		URL:          p.URLs.Raw,
		ThumbnailURL: firstNonEmpty(p.URLs.Regular, p.URLs.Small, p.URLs.Full),
		PageURL:      p.Links.HTML,
		Safety:       storage.SafetySFW,
		Description:  firstNonEmpty(p.Description, p.AltDescription),
		Author:       firstNonEmpty(p.User.Name, p.User.Username),
		AuthorURL:    p.User.Links.HTML,
		Width:        p.Width,
		Height:       p.Height,
	}
	for _, t := range p.Tags {
		w.Tags = append(w.Tags, t.Title)
	}
	return w, true
}
