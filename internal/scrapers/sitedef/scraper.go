package sitedef

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/scrapers/types"
)

const defaultTimeout = 30 * time.Second

// Scraper runs searches for one site definition.
type Scraper struct {
	def        *Definition
	httpClient *http.Client
	logger     *zerolog.Logger
}

// Compile-time check that Scraper implements the scraper contract.
var _ types.Scraper = (*Scraper)(nil)

// New creates a scraper for the definition.
func New(def *Definition, timeout time.Duration, logger *zerolog.Logger) *Scraper {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	componentLogger := logger.With().Str("scraper", "sitedef").Str("site", def.Name).Logger()

	return &Scraper{
		def:        def,
		httpClient: &http.Client{Timeout: timeout},
		logger:     &componentLogger,
	}
}

// Name returns the registry key, qualified by the site name.
func (s *Scraper) Name() string {
	return "sitedef:" + s.def.Name
}

// Validate confirms the site answers at its base URL.
func (s *Scraper) Validate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.def.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("site %s unreachable: %w", s.def.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("site %s returned status %d", s.def.Name, resp.StatusCode)
	}
	return nil
}

// Scrape runs one search and extracts a release per result row. Rows that
// yield no title or no usable infohash are skipped.
func (s *Scraper) Scrape(ctx context.Context, fp types.Fingerprint) ([]types.Result, error) {
	if fp.Title == "" && fp.ImdbID == "" {
		return nil, nil
	}

	endpoint := s.def.BaseURL + expandPath(s.def.Search.Path, fp)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("site %s request failed: %w", s.def.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("site %s returned status %d", s.def.Name, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", s.def.Name, err)
	}

	results := s.extractRows(doc)
	s.logger.Debug().Str("query", fp.Title).Int("results", len(results)).Msg("sitedef scrape done")
	return results, nil
}

// extractRows walks the result rows and pulls a release out of each one.
func (s *Scraper) extractRows(doc *goquery.Document) []types.Result {
	var results []types.Result

	doc.Find(s.def.Search.Rows).Each(func(_ int, row *goquery.Selection) {
		title := extractField(row, s.def.Search.Fields["title"])
		if title == "" {
			return
		}

		infohash := extractField(row, s.def.Search.Fields["infohash"])
		if infohash == "" {
			if magnet := extractField(row, s.def.Search.Fields["magnet"]); magnet != "" {
				if h, ok := media.InfohashFromMagnet(magnet); ok {
					infohash = h
				}
			}
		}
		if infohash == "" {
			return
		}

		results = append(results, types.Result{
			Infohash: infohash,
			RawTitle: title,
			Size:     parseHumanSize(extractField(row, s.def.Search.Fields["size"])),
		})
	})

	return results
}

// extractField pulls one field value out of a result row.
func extractField(row *goquery.Selection, field Field) string {
	sel := row
	if field.Selector != "" {
		sel = row.Find(field.Selector).First()
	}
	if sel.Length() == 0 {
		return ""
	}
	if field.Attribute != "" {
		val, _ := sel.Attr(field.Attribute)
		return strings.TrimSpace(val)
	}
	return strings.TrimSpace(sel.Text())
}

// expandPath substitutes fingerprint placeholders into the search path
// template. The query placeholder is URL-escaped.
func expandPath(path string, fp types.Fingerprint) string {
	replacer := strings.NewReplacer(
		"{query}", url.QueryEscape(fp.Title),
		"{imdbid}", url.QueryEscape(fp.ImdbID),
		"{season}", strconv.Itoa(fp.Season),
		"{episode}", strconv.Itoa(fp.Episode),
	)
	return replacer.Replace(path)
}

var humanSizeRe = regexp.MustCompile(`(?i)([\d.,]+)\s*([KMGT]i?B|B)`)

var humanSizeMultipliers = map[string]float64{
	"B":  1,
	"KB": 1 << 10, "KIB": 1 << 10,
	"MB": 1 << 20, "MIB": 1 << 20,
	"GB": 1 << 30, "GIB": 1 << 30,
	"TB": 1 << 40, "TIB": 1 << 40,
}

// parseHumanSize converts human-readable sizes like "8.4 GB" to bytes.
// Bare digit strings pass through as byte counts; anything else is 0.
func parseHumanSize(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	m := humanSizeRe.FindStringSubmatch(raw)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return int64(value * humanSizeMultipliers[strings.ToUpper(m[2])])
}
