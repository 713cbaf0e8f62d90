package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

var (
	wallhereDimension = regexp.MustCompile(`(\d+)\s*x\s*(\d+)`)
	wallhereAuthor    = regexp.MustCompile(`^(.*?)\s*/\s*.*$`)
)

// Wallhere scrapes wallhere.com. The listing endpoint returns an HTML fragment in JSON,
// every item is completed from its detail page.
type Wallhere struct {
	c        *client
	base     string
	query    url.Values
	maxPages int
}

type wallhereListResponse struct {
	Data string `json:"data"`
}

type wallhereItem struct {
	href      string
	id        string
	thumbnail string
	sketchy   bool
}

// NewWallhere creates the wallhere adapter.
func NewWallhere(opts Options) (Adapter, error) {
	return &Wallhere{
		c:    newClient(storage.SourceWallhere, opts, opts.minInterval(2*time.Second)),
		base: strings.TrimRight(opts.baseURL("https://wallhere.com"), "/"),
		query: opts.query(map[string]string{
			"order":  "latest",
			"NSFW":   "on",
			"format": "json",
		}),
		maxPages: opts.maxPages(100),
	}, nil
}

func (a *Wallhere) Name() storage.Source { return storage.SourceWallhere }
func (a *Wallhere) Start() Cursor        { return "1" }
func (a *Wallhere) MaxPages() int        { return a.maxPages }

func (a *Wallhere) FetchPage(ctx context.Context, cursor Cursor) (Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 1 {
		return Page{}, &FatalError{Source: a.Name(), Err: fmt.Errorf("bad cursor %q", cursor)}
	}

	q := cloneValues(a.query)
	q.Set("page", strconv.Itoa(page))

	var resp wallhereListResponse
	if err := a.c.getJSON(ctx, a.base+"/zh/wallpapers?"+q.Encode(), &resp); err != nil {
		return Page{}, err
	}

	items, err := parseWallhereList(resp.Data)
	if err != nil {
		return Page{}, err
	}

	out := Page{Next: Cursor(strconv.Itoa(page + 1)), Done: len(items) == 0}
	for _, item := range items {
		if item.id == "" {
			out.Skipped++
			continue
		}
		w, err := a.detail(ctx, item)
		if err != nil {
			if IsFatal(err) || ctx.Err() != nil {
				return Page{}, err
			}
			logger.Debug().Err(err).Str("id", item.id).Msg("Skipping wallhere item")
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, w)
	}

	kept, skipped, err := a.c.fillMeta(ctx, out.Items)
	if err != nil {
		return Page{}, err
	}
	out.Items = kept
	out.Skipped += skipped
	return out, nil
}

func parseWallhereList(fragment string) ([]wallhereItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("%w: wallhere list: %v", ErrMalformed, err)
	}

	var items []wallhereItem
	doc.Find("div.item").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Find("a[href]").First().Attr("href")
		img := s.Find("img").First()
		thumb, ok := img.Attr("data-src")
		if !ok || thumb == "" {
			thumb, _ = img.Attr("src")
		}
		items = append(items, wallhereItem{
			href:      href,
			id:        wallhereID(href),
			thumbnail: thumb,
			sketchy:   s.HasClass("item-sketchy"),
		})
	})
	return items, nil
}

// wallhereID takes the trailing path segment of a detail link, e.g. /zh/wallpaper/12345.
func wallhereID(href string) string {
	u, err := url.Parse(href)
	if err != nil || !strings.Contains(u.Path, "/wallpaper/") {
		return ""
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}

func (a *Wallhere) detail(ctx context.Context, item wallhereItem) (storage.Wallpaper, error) {
	pageURL := a.resolve(item.href)
	body, err := a.c.get(ctx, pageURL)
	if err != nil {
		return storage.Wallpaper{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return storage.Wallpaper{}, fmt.Errorf("%w: wallhere detail: %v", ErrMalformed, err)
	}

	src, _ := doc.Find(".hub-photomodal > a[href]").First().Attr("href")
	if src == "" {
		return storage.Wallpaper{}, fmt.Errorf("%w: no image link on %s", ErrMalformed, pageURL)
	}

	w := storage.Wallpaper{
		Source:       storage.SourceWallhere,
		SourceID:     item.id,
		URL:          a.resolve(src),
		PageURL:      pageURL,
		ThumbnailURL: a.resolve(item.thumbnail),
		Safety:       storage.SafetySFW,
	}
	if item.sketchy {
		w.Safety = storage.SafetyNSFW
	}

	dim := strings.TrimSpace(doc.Find("ul.photobaseinfo li").First().Find("span").First().Text())
	if m := wallhereDimension.FindStringSubmatch(dim); m != nil {
		w.Width, _ = strconv.Atoi(m[1])
		w.Height, _ = strconv.Atoi(m[2])
	}

	doc.Find("ul.hub-tags li a").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			w.Tags = append(w.Tags, t)
		}
	})

	profile := doc.Find("a.profile-link").First()
	if name := strings.TrimSpace(profile.Text()); name != "" {
		if m := wallhereAuthor.FindStringSubmatch(name); m != nil {
			name = m[1]
		}
		w.Author = name
		if href, ok := profile.Attr("href"); ok {
			w.AuthorURL = a.resolve(href)
		}
	}
	return w, nil
}

func (a *Wallhere) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	if strings.HasPrefix(ref, "/") {
		return a.base + ref
	}
	return ref
}
