package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/user/wallbot/internal/storage"
)

const githubPageSize = 50

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// GitHub serves the image files of a repository as wallpapers. The recursive git tree
// is listed once per cycle and paged locally; the cursor is an offset into it.
type GitHub struct {
	c      *client
	gh     *github.Client
	owner  string
	repo   string
	ref    string
	prefix string
	safety storage.Safety
	raw    string

	maxPages int
	images   []*github.TreeEntry
	treeRef  string
}

// NewGitHub creates the github adapter. The API key, when set, is used as a token.
func NewGitHub(opts Options) (Adapter, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}

	gh := github.NewClient(opts.bearerClient(opts.APIKey))
	if opts.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github: invalid base url: %w", err)
		}
		gh.BaseURL = base
	}

	safety := opts.Safety
	if safety == "" {
		safety = storage.SafetySFW
	}
	if !safety.Valid() {
		return nil, fmt.Errorf("github: unknown safety %q", safety)
	}

	return &GitHub{
		c:        newClient(storage.SourceGitHub, opts, opts.minInterval(time.Second)),
		gh:       gh,
		owner:    opts.Owner,
		repo:     opts.Repo,
		ref:      opts.Ref,
		prefix:   strings.Trim(opts.Path, "/"),
		safety:   safety,
		raw:      "https://raw.githubusercontent.com",
		maxPages: opts.maxPages(100),
	}, nil
}

func (a *GitHub) Name() storage.Source { return storage.SourceGitHub }
func (a *GitHub) Start() Cursor        { return "0" }
func (a *GitHub) MaxPages() int        { return a.maxPages }

// FetchPage returns the image entries at the cursor offset. Offset 0 reloads the tree.
func (a *GitHub) FetchPage(ctx context.Context, cursor Cursor) (Page, error) {
	offset, err := strconv.Atoi(string(cursor))
	if err != nil || offset < 0 {
		return Page{}, &FatalError{Source: a.Name(), Err: fmt.Errorf("bad cursor %q", cursor)}
	}
	if offset == 0 || a.images == nil {
		if err := a.loadTree(ctx); err != nil {
			return Page{}, err
		}
	}

	end := min(offset+githubPageSize, len(a.images))
	out := Page{Next: Cursor(strconv.Itoa(end)), Done: end >= len(a.images)}
	for _, entry := range a.images[min(offset, end):end] {
		out.Items = append(out.Items, a.toWallpaper(entry))
	}
	return out, nil
}

func (a *GitHub) loadTree(ctx context.Context) error {
	ref := a.ref
	if ref == "" {
		var repo *github.Repository
		err := a.c.do(ctx, func(ctx context.Context) error {
			r, resp, err := a.gh.Repositories.Get(ctx, a.owner, a.repo)
			repo = r
			return githubError(resp, err)
		})
		if err != nil {
			return fmt.Errorf("failed to get repository: %w", err)
		}
		ref = repo.GetDefaultBranch()
	}

	var tree *github.Tree
	err := a.c.do(ctx, func(ctx context.Context) error {
		t, resp, err := a.gh.Git.GetTree(ctx, a.owner, a.repo, ref, true)
		tree = t
		return githubError(resp, err)
	})
	if err != nil {
		return fmt.Errorf("failed to get tree: %w", err)
	}

	images := make([]*github.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" || !a.inScope(e.GetPath()) {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(path.Ext(e.GetPath()))]; ok {
			images = append(images, e)
		}
	}
	a.images = images
	a.treeRef = ref
	return nil
}

func (a *GitHub) inScope(p string) bool {
	return a.prefix == "" || p == a.prefix || strings.HasPrefix(p, a.prefix+"/")
}

func (a *GitHub) toWallpaper(e *github.TreeEntry) storage.Wallpaper {
	p := e.GetPath()
	escaped := escapePath(p)

	w := storage.Wallpaper{
		Source:    storage.SourceGitHub,
		SourceID:  p,
		URL:       fmt.Sprintf("%s/%s/%s/%s/%s", a.raw, a.owner, a.repo, url.PathEscape(a.treeRef), escaped),
		PageURL:   fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", a.owner, a.repo, url.PathEscape(a.treeRef), escaped),
		Safety:    a.safety,
		Author:    a.owner,
		AuthorURL: "https://github.com/" + a.owner,
		Size:      int64(e.GetSize()),
		MimeType:  imageExtensions[strings.ToLower(path.Ext(p))],
	}

	dir := strings.TrimPrefix(path.Dir(p), a.prefix)
	for _, seg := range strings.Split(dir, "/") {
		if seg != "" && seg != "." {
			w.Tags = append(w.Tags, seg)
		}
	}
	return w
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// githubError maps go-github failures onto the status errors the retry policy understands.
func githubError(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return &StatusError{URL: "api.github.com", StatusCode: http.StatusTooManyRequests}
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 300 {
		u := ""
		if resp.Request != nil {
			u = resp.Request.URL.String()
		}
		return &StatusError{URL: u, StatusCode: resp.StatusCode}
	}
	return err
}
