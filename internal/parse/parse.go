// Package parse extracts structured agenda items from raw snapshots. It is
// deliberately forgiving: markup surprises degrade to warnings and fewer
// items, never to an aborted run. The worst case of a bad parse is a change
// missed until the next successful run, not a flood of false changes.
package parse

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	readability "github.com/go-shiori/go-readability"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

// minTextLength is the smallest fallback extraction considered meaningful.
const minTextLength = 100

// Result holds the outcome of parsing one snapshot.
type Result struct {
	Items    []store.Item
	Warnings []string
}

// Parser turns snapshots into normalized agenda items.
type Parser struct{}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts agenda items from one source's snapshot. On unparseable
// content it returns zero items and a warning describing why.
func (p *Parser) Parse(src config.Source, content []byte) Result {
	if src.EffectiveKind() == config.KindFeed {
		return p.parseFeed(src, content)
	}
	return p.parseHTML(src, content)
}

func (p *Parser) parseHTML(src config.Source, content []byte) Result {
	var r Result

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		r.Warnings = append(r.Warnings, "html parse failed: "+err.Error())
		return r
	}
	doc.Find("script, style, noscript").Remove()

	pageDate := findMeetingDate(doc.Text())

	if src.Selector != "" {
		r.Items = p.extractSelected(src, doc, pageDate)
		if len(r.Items) == 0 {
			r.Warnings = append(r.Warnings, "selector "+src.Selector+" matched no usable nodes")
		}
	}

	if len(r.Items) == 0 {
		r.Items = append(r.Items, p.extractAttachmentItems(src, doc, pageDate)...)
		r.Items = append(r.Items, p.extractPatternItems(src, doc, pageDate)...)
	}

	// Whole-page fallback: fingerprint the main content so any change to
	// the page still surfaces, even when no structured items were found.
	if len(r.Items) == 0 {
		item, warning := p.extractPageItem(src, content, doc, pageDate)
		if warning != "" {
			r.Warnings = append(r.Warnings, warning)
		}
		if item != nil {
			r.Items = append(r.Items, *item)
		}
	}

	return r
}

// extractSelected builds one item per node matching the source's selector.
func (p *Parser) extractSelected(src config.Source, doc *goquery.Document, pageDate string) []store.Item {
	var items []store.Item
	doc.Find(src.Selector).Each(func(_ int, sel *goquery.Selection) {
		text := NormalizeText(sel.Text())
		if text == "" {
			return
		}
		title := firstSentence(text)

		date := findMeetingDate(sel.Text())
		if date == "" {
			date = pageDate
		}

		attachments := pdfLinks(sel, src.URL)
		items = append(items, p.newItem(src, title, date, text, attachments))
	})
	return dedupe(items)
}

// extractAttachmentItems builds one item per linked PDF, the way agenda
// pages usually publish their documents.
func (p *Parser) extractAttachmentItems(src config.Source, doc *goquery.Document, pageDate string) []store.Item {
	var items []store.Item
	for _, att := range pdfLinks(doc.Selection, src.URL) {
		title := att.Name
		if title == "" {
			title = "Agenda Document"
		}
		summary := title + " (" + att.URL + ")"
		items = append(items, p.newItem(src, title, pageDate, summary, []store.Attachment{att}))
	}
	return dedupe(items)
}

// extractPatternItems builds one item per unique match of the source's
// item_pattern regex, e.g. council file numbers.
func (p *Parser) extractPatternItems(src config.Source, doc *goquery.Document, pageDate string) []store.Item {
	if src.ItemPattern == "" {
		return nil
	}
	re, err := regexp.Compile(src.ItemPattern)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var items []store.Item
	for _, match := range re.FindAllString(doc.Text(), -1) {
		key := normalizeKey(match)
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, p.newItem(src, match, pageDate, match, nil))
	}
	return items
}

// extractPageItem is the last resort: readability main-content extraction
// over the whole page, degrading to the full document text.
func (p *Parser) extractPageItem(src config.Source, content []byte, doc *goquery.Document, pageDate string) (*store.Item, string) {
	var text string

	parsedURL, _ := url.Parse(src.URL)
	article, err := readability.FromReader(bytes.NewReader(content), parsedURL)
	if err == nil {
		text = NormalizeText(article.TextContent)
	}
	if len(text) < minTextLength {
		text = NormalizeText(doc.Text())
	}
	if len(text) < minTextLength {
		return nil, "no extractable content"
	}

	title := src.Name
	if title == "" {
		title = src.ID
	}
	item := p.newItem(src, title+" page", pageDate, text, nil)
	return &item, "no structured items found, tracking whole page"
}

func (p *Parser) newItem(src config.Source, title, date, text string, attachments []store.Attachment) store.Item {
	title = NormalizeText(title)
	return store.Item{
		ID:          Fingerprint(src.ID, title, date, text),
		SourceID:    src.ID,
		Title:       title,
		MeetingDate: date,
		// Full normalized text: keyword matching sees everything the
		// fingerprint covers. Email rendering shortens it separately.
		Summary:     NormalizeText(text),
		Attachments: attachments,
	}
}

// pdfLinks collects PDF links under sel, resolving relative hrefs.
func pdfLinks(sel *goquery.Selection, baseURL string) []store.Attachment {
	base, _ := url.Parse(baseURL)

	var attachments []store.Attachment
	seen := make(map[string]bool)
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.HasSuffix(strings.ToLower(strings.TrimSpace(href)), ".pdf") {
			return
		}
		resolved := href
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				resolved = base.ResolveReference(ref).String()
			}
		}
		if seen[resolved] {
			return
		}
		seen[resolved] = true
		attachments = append(attachments, store.Attachment{
			Name: NormalizeText(a.Text()),
			URL:  resolved,
		})
	})
	return attachments
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},?\s+\d{4}`),
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
}

// findMeetingDate returns the first recognizable date in the text as
// YYYY-MM-DD, or empty.
func findMeetingDate(text string) string {
	for _, re := range datePatterns {
		candidate := re.FindString(text)
		if candidate == "" {
			continue
		}
		t, err := dateparse.ParseAny(candidate)
		if err != nil {
			continue
		}
		return t.Format("2006-01-02")
	}
	return ""
}

// firstSentence trims node text down to a usable title.
func firstSentence(text string) string {
	for _, sep := range []string{". ", " - ", " | "} {
		if i := strings.Index(text, sep); i > 0 && i < 120 {
			return text[:i]
		}
	}
	return truncate(text, 120)
}

// dedupe drops items whose fingerprint already appeared; pages often list
// the same document twice.
func dedupe(items []store.Item) []store.Item {
	seen := make(map[string]bool, len(items))
	var out []store.Item
	for _, item := range items {
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	return out
}
