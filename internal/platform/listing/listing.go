// Package listing is a selector-driven platform adapter. A Config describes
// a board's search URL and the CSS selectors of its result cards; the
// adapter pages through results with the stealth-aware fetcher and falls
// back to a pooled browser when the static page is a JavaScript shell.
package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/fetcher"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
)

// RenderMode controls when pages go through a browser.
type RenderMode string

// Render modes.
const (
	RenderNever  RenderMode = "never"
	RenderAuto   RenderMode = "auto"
	RenderAlways RenderMode = "always"
)

// Fields holds the selectors for one result card. A selector may end in
// "@attr" to read an attribute instead of text, e.g. "a.title@href".
type Fields struct {
	ID         string `mapstructure:"id"`
	Position   string `mapstructure:"position"`
	Company    string `mapstructure:"company"`
	Location   string `mapstructure:"location"`
	Link       string `mapstructure:"link"`
	Salary     string `mapstructure:"salary"`
	Experience string `mapstructure:"experience"`
}

// Config describes one board.
type Config struct {
	Platform platform.Platform `mapstructure:"-"`
	// SearchURL may contain {keywords}, {location}, {experience}, {page}
	// and {extra-key} placeholders; values are query-escaped.
	SearchURL    string            `mapstructure:"search_url"`
	FirstPage    int               `mapstructure:"first_page"`
	MaxPages     int               `mapstructure:"max_pages"`
	ItemSelector string            `mapstructure:"item_selector"`
	Fields       Fields            `mapstructure:"fields"`
	Render       RenderMode        `mapstructure:"render"`
	Headers      map[string]string `mapstructure:"headers"`
}

// Validate checks that the config can drive a search.
func (c Config) Validate() error {
	if !c.Platform.Valid() {
		return fmt.Errorf("listing: unknown platform %q", c.Platform)
	}
	if !strings.Contains(c.SearchURL, "{keywords}") {
		return fmt.Errorf("listing %s: search_url must contain {keywords}", c.Platform)
	}
	if c.ItemSelector == "" || c.Fields.Position == "" {
		return fmt.Errorf("listing %s: item_selector and fields.position are required", c.Platform)
	}
	switch c.Render {
	case "", RenderNever, RenderAuto, RenderAlways:
	default:
		return fmt.Errorf("listing %s: unknown render mode %q", c.Platform, c.Render)
	}
	return nil
}

// PageFetcher fetches a static page.
type PageFetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// PageRenderer fetches a page in a browser.
type PageRenderer interface {
	Render(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithRenderer enables browser rendering.
func WithRenderer(r PageRenderer) Option {
	return func(a *Adapter) { a.render = r }
}

// WithTimer paces page-to-page navigation.
func WithTimer(t *stealth.HumanizedTimer) Option {
	return func(a *Adapter) { a.timer = t }
}

// WithCaptchaDetector checks rendered pages for challenges.
func WithCaptchaDetector(d *stealth.CaptchaDetector) Option {
	return func(a *Adapter) { a.captcha = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Adapter implements platform.Adapter for a configured board.
type Adapter struct {
	cfg       Config
	fetch     PageFetcher
	render    PageRenderer
	heuristic *fetcher.RenderHeuristic
	timer     *stealth.HumanizedTimer
	captcha   *stealth.CaptchaDetector
	logger    *zap.Logger
}

var _ platform.Adapter = (*Adapter)(nil)

// New validates cfg and builds an Adapter.
func New(cfg Config, fetch PageFetcher, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetch == nil {
		return nil, fmt.Errorf("listing %s: fetcher is required", cfg.Platform)
	}
	if cfg.FirstPage <= 0 {
		cfg.FirstPage = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.Render == "" {
		cfg.Render = RenderAuto
	}
	a := &Adapter{
		cfg:       cfg,
		fetch:     fetch,
		heuristic: fetcher.NewRenderHeuristic(0),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("platform", string(cfg.Platform)))
	return a, nil
}

// Search pages through results until a page comes back empty, MaxPages is
// reached, or opts.Limit jobs were collected. A failure on the first page is
// returned, as is a rate limit or challenge on any page so the caller can back
// off; other later failures end the search with the jobs gathered so far.
func (a *Adapter) Search(ctx context.Context, keywords string, opts platform.SearchOptions) ([]platform.Job, error) {
	var jobs []platform.Job
	last := a.cfg.FirstPage + a.cfg.MaxPages
	for page := a.cfg.FirstPage; page < last; page++ {
		if page > a.cfg.FirstPage && a.timer != nil {
			if err := a.timer.WaitBetweenPages(ctx); err != nil {
				return jobs, fmt.Errorf("pacing: %w", err)
			}
		}
		target := a.searchURL(keywords, opts, page)
		resp, err := a.load(ctx, target)
		if err != nil {
			if page == a.cfg.FirstPage || errors.Is(err, context.Canceled) || platform.Throttled(err) {
				return nil, err
			}
			a.logger.Warn("stopping pagination after error", zap.Int("page", page), zap.Error(err))
			break
		}
		found, err := a.parse(resp)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("parsed page", zap.Int("page", page), zap.Int("jobs", len(found)), zap.Bool("rendered", resp.Rendered))
		if len(found) == 0 {
			break
		}
		jobs = append(jobs, found...)
		if opts.Limit > 0 && len(jobs) >= opts.Limit {
			return jobs[:opts.Limit], nil
		}
	}
	return jobs, nil
}

func (a *Adapter) load(ctx context.Context, target string) (fetcher.Response, error) {
	req := fetcher.Request{URL: target, Headers: a.headers()}
	if a.cfg.Render == RenderAlways && a.render != nil {
		return a.rendered(ctx, req)
	}
	resp, err := a.fetch.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if a.cfg.Render == RenderAuto && a.render != nil && a.heuristic.NeedsRender(resp) {
		a.logger.Debug("promoting to browser", zap.String("url", target))
		return a.rendered(ctx, req)
	}
	return resp, nil
}

func (a *Adapter) rendered(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	resp, err := a.render.Render(ctx, req)
	if err != nil {
		return resp, err
	}
	if a.captcha != nil {
		_, blocked := a.captcha.DetectResponse(resp.StatusCode, resp.Headers, resp.URL)
		if !blocked {
			_, blocked = a.captcha.DetectHTML(string(resp.Body), resp.URL)
		}
		if blocked {
			return resp, &platform.Error{Platform: a.cfg.Platform, StatusCode: http.StatusForbidden, Err: platform.ErrBlocked}
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, &platform.Error{Platform: a.cfg.Platform, StatusCode: resp.StatusCode, Err: fmt.Errorf("render %s", resp.URL)}
	}
	return resp, nil
}

func (a *Adapter) parse(resp fetcher.Response) ([]platform.Job, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("listing %s: parse page: %w", a.cfg.Platform, err)
	}
	base, _ := url.Parse(resp.URL)
	f := a.cfg.Fields
	var jobs []platform.Job
	doc.Find(a.cfg.ItemSelector).Each(func(_ int, card *goquery.Selection) {
		job := platform.Job{
			Platform: a.cfg.Platform,
			ID:       extract(card, f.ID),
			Position: extract(card, f.Position),
			Company:  extract(card, f.Company),
			Location: extract(card, f.Location),
			Salary:   extract(card, f.Salary),
		}
		if job.Position == "" {
			return
		}
		if link := extract(card, f.Link); link != "" {
			job.URL = resolve(base, link)
		}
		if exp := extract(card, f.Experience); exp != "" {
			job.ExperienceMin, job.ExperienceMax = parseExperience(exp)
		}
		jobs = append(jobs, job)
	})
	return jobs, nil
}

func (a *Adapter) searchURL(keywords string, opts platform.SearchOptions, page int) string {
	pairs := []string{
		"{keywords}", url.QueryEscape(keywords),
		"{location}", url.QueryEscape(opts.Location),
		"{experience}", url.QueryEscape(opts.Experience),
		"{page}", strconv.Itoa(page),
	}
	for k, v := range opts.Extra {
		pairs = append(pairs, "{"+k+"}", url.QueryEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(a.cfg.SearchURL)
}

func (a *Adapter) headers() http.Header {
	if len(a.cfg.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(a.cfg.Headers))
	for k, v := range a.cfg.Headers {
		h.Set(k, v)
	}
	return h
}

// extract reads selector (optionally "sel@attr") relative to card. An empty
// selector part means the card itself.
func extract(card *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	sel, attr, hasAttr := strings.Cut(selector, "@")
	target := card
	if sel = strings.TrimSpace(sel); sel != "" {
		target = card.Find(sel).First()
	}
	if hasAttr {
		v, _ := target.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(target.Text()), " ")
}

func resolve(base *url.URL, link string) string {
	ref, err := url.Parse(link)
	if err != nil || base == nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

// parseExperience reads the first one or two integers from text such as
// "3-7년", "경력 5년 이상" or "신입".
func parseExperience(text string) (int, int) {
	var nums []int
	cur := -1
	for _, r := range text + " " {
		if r >= '0' && r <= '9' {
			if cur < 0 {
				cur = 0
			}
			cur = cur*10 + int(r-'0')
			continue
		}
		if cur >= 0 {
			nums = append(nums, cur)
			cur = -1
			if len(nums) == 2 {
				break
			}
		}
	}
	switch len(nums) {
	case 0:
		return 0, 0
	case 1:
		return nums[0], 0
	default:
		return nums[0], nums[1]
	}
}
