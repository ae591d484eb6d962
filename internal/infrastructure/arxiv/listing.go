package arxiv

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"arxivdigest/internal/domain"
	"arxivdigest/internal/ports"
)

// ListingOptions selects which daily listing to scrape.
type ListingOptions struct {
	BaseURL    string
	Field      string
	Categories []string
	MaxResults int
}

// Listing scrapes the "new submissions" page of one arXiv field and turns
// its dt/dd entries into paper records.
type Listing struct {
	baseURL    string
	field      string
	categories []string
	maxResults int
	client     *http.Client
	log        *slog.Logger
}

var _ ports.PaperSource = (*Listing)(nil)

// NewListing wires an HTTP client; field defaults to "cs".
func NewListing(opts ListingOptions, client *http.Client, log *slog.Logger) *Listing {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	field := opts.Field
	if field == "" {
		field = "cs"
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://arxiv.org"
	}

	return &Listing{
		baseURL:    baseURL,
		field:      field,
		categories: opts.Categories,
		maxResults: opts.MaxResults,
		client:     client,
		log:        log,
	}
}

// FetchNew downloads and parses the daily listing page.
func (l *Listing) FetchNew(ctx context.Context) ([]domain.Paper, error) {
	pageURL := fmt.Sprintf("%s/list/%s/new", l.baseURL, l.field)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "arxivdigest/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	papers := l.extractPapers(doc)
	l.log.Info("listing fetched", "url", pageURL, "papers", len(papers))
	return papers, nil
}

func (l *Listing) extractPapers(doc *goquery.Document) []domain.Paper {
	var papers []domain.Paper

	doc.Find("dl > dt").EachWithBreak(func(i int, dt *goquery.Selection) bool {
		if l.maxResults > 0 && len(papers) >= l.maxResults {
			return false
		}

		dd := dt.Next()
		paper, ok := parseListingEntry(dt, dd, l.baseURL)
		if !ok {
			return true
		}
		if len(l.categories) > 0 && !matchesCategories(paper.Categories, l.categories) {
			return true
		}

		papers = append(papers, paper)
		return true
	})

	return papers
}

// parseListingEntry reads one dt/dd pair. Entries without the required id
// and title fields are skipped.
func parseListingEntry(dt, dd *goquery.Selection, baseURL string) (domain.Paper, bool) {
	link := dt.Find(`a[title="Abstract"]`).First()
	href, ok := link.Attr("href")
	if !ok {
		return domain.Paper{}, false
	}
	segments := strings.Split(strings.TrimSuffix(href, "/"), "/")
	id := segments[len(segments)-1]
	if id == "" {
		return domain.Paper{}, false
	}

	title := strings.TrimSpace(dd.Find("div.list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	if title == "" {
		return domain.Paper{}, false
	}

	var authors []string
	dd.Find("div.list-authors a").Each(func(i int, a *goquery.Selection) {
		if name := strings.TrimSpace(a.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	var categories []string
	subjects := strings.TrimSpace(dd.Find("div.list-subjects").First().Text())
	subjects = strings.TrimSpace(strings.TrimPrefix(subjects, "Subjects:"))
	for _, subject := range strings.Split(subjects, ";") {
		if subject = strings.TrimSpace(subject); subject != "" {
			categories = append(categories, subject)
		}
	}

	abstract := strings.TrimSpace(dd.Find("p.mathjax").First().Text())
	abstract = strings.TrimSpace(strings.TrimPrefix(abstract, "Abstract:"))

	url := href
	if !strings.HasPrefix(url, "http") {
		url = strings.TrimSuffix(baseURL, "/") + href
	}

	return domain.Paper{
		ID:         id,
		Title:      title,
		Authors:    authors,
		Categories: categories,
		Abstract:   abstract,
		URL:        url,
	}, true
}

func matchesCategories(paperCategories, wanted []string) bool {
	for _, want := range wanted {
		for _, have := range paperCategories {
			if strings.Contains(strings.ToLower(have), strings.ToLower(want)) {
				return true
			}
		}
	}
	return false
}
