package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

// Wallhaven crawls the wallhaven.cc search API.
type Wallhaven struct {
	c        *client
	base     string
	query    url.Values
	maxPages int
	details  bool
}

type wallhavenItem struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Path       string   `json:"path"`
	Purity     string   `json:"purity"`
	Category   string   `json:"category"`
	DimensionX int      `json:"dimension_x"`
	DimensionY int      `json:"dimension_y"`
	FileSize   int64    `json:"file_size"`
	FileType   string   `json:"file_type"`
	Colors     []string `json:"colors"`
	Thumbs     struct {
		Large    string `json:"large"`
		Original string `json:"original"`
		Small    string `json:"small"`
	} `json:"thumbs"`
	Uploader *struct {
		Username string `json:"username"`
	} `json:"uploader"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
}

type wallhavenSearchResponse struct {
	Data []wallhavenItem `json:"data"`
	Meta struct {
		CurrentPage int `json:"current_page"`
		LastPage    int `json:"last_page"`
	} `json:"meta"`
}

type wallhavenDetailResponse struct {
	Data wallhavenItem `json:"data"`
}

// NewWallhaven creates the wallhaven adapter. NSFW purity is only requested with an API key.
func NewWallhaven(opts Options) (Adapter, error) {
	purity := "110"
	defaults := map[string]string{
		"q":       "",
		"atleast": "1920x1080",
	}
	if opts.APIKey != "" {
		purity = "111"
		defaults["apikey"] = opts.APIKey
	}
	defaults["purity"] = purity

	return &Wallhaven{
		c:        newClient(storage.SourceWallhaven, opts, opts.minInterval(1500*time.Millisecond)),
		base:     opts.baseURL("https://wallhaven.cc"),
		query:    opts.query(defaults),
		maxPages: opts.maxPages(500),
		details:  opts.FetchDetails,
	}, nil
}

func (a *Wallhaven) Name() storage.Source { return storage.SourceWallhaven }
func (a *Wallhaven) Start() Cursor        { return "1" }
func (a *Wallhaven) MaxPages() int        { return a.maxPages }

// FetchPage fetches one search page. With details enabled every item is completed with its
// uploader and tags; a failed detail lookup keeps the listing data.
func (a *Wallhaven) FetchPage(ctx context.Context, cursor Cursor) (Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 1 {
		return Page{}, &FatalError{Source: a.Name(), Err: fmt.Errorf("bad cursor %q", cursor)}
	}

	q := cloneValues(a.query)
	q.Set("page", strconv.Itoa(page))

	var resp wallhavenSearchResponse
	if err := a.c.getJSON(ctx, a.base+"/api/v1/search?"+q.Encode(), &resp); err != nil {
		return Page{}, err
	}

	out := Page{Next: Cursor(strconv.Itoa(page + 1))}
	for _, item := range resp.Data {
		if a.details && item.ID != "" {
			detail, err := a.detail(ctx, item.ID)
			switch {
			case err == nil:
				item = detail
			case IsFatal(err) || ctx.Err() != nil:
				return Page{}, err
			default:
				logger.Debug().Err(err).Str("id", item.ID).Msg("Wallhaven detail lookup failed, using listing data")
			}
		}

		w, ok := item.toWallpaper()
		if !ok {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, w)
	}

	out.Done = len(resp.Data) == 0 || resp.Meta.LastPage <= page
	return out, nil
}

func (a *Wallhaven) detail(ctx context.Context, id string) (wallhavenItem, error) {
	q := url.Values{}
	if key := a.query.Get("apikey"); key != "" {
		q.Set("apikey", key)
	}
	u := a.base + "/api/v1/w/" + url.PathEscape(id)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp wallhavenDetailResponse
	if err := a.c.getJSON(ctx, u, &resp); err != nil {
		return wallhavenItem{}, err
	}
	return resp.Data, nil
}

func (it wallhavenItem) toWallpaper() (storage.Wallpaper, bool) {
	if it.ID == "" || it.Path == "" {
		return storage.Wallpaper{}, false
	}

	w := storage.Wallpaper{
		Source:       storage.SourceWallhaven,
		SourceID:     it.ID,
		URL:          it.Path,
		ThumbnailURL: firstNonEmpty(it.Thumbs.Large, it.Thumbs.Original, it.Thumbs.Small),
		PageURL:      it.URL,
		Safety:       wallhavenSafety(it.Purity),
		Category:     it.Category,
		Width:        it.DimensionX,
		Height:       it.DimensionY,
		Size:         it.FileSize,
		MimeType:     it.FileType,
	}
	if it.Uploader != nil && it.Uploader.Username != "" {
		w.Author = it.Uploader.Username
		w.AuthorURL = "https://wallhaven.cc/user/" + url.PathEscape(it.Uploader.Username)
	}
	for _, t := range it.Tags {
		w.Tags = append(w.Tags, t.Name)
	}
	return w, true
}

// wallhavenSafety maps purity to safety. Sketchy counts as NSFW.
func wallhavenSafety(purity string) storage.Safety {
	switch purity {
	case "sfw":
		return storage.SafetySFW
	case "sketchy", "nsfw":
		return storage.SafetyNSFW
	default:
		return storage.SafetyUnknown
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
