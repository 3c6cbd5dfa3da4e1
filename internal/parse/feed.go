package parse

import (
	"github.com/mmcdole/gofeed"

	"agendawatch/internal/config"
	"agendawatch/internal/store"
)

// parseFeed extracts agenda items from an RSS/Atom snapshot. Some agencies
// publish agendas as feeds; entries map directly onto items.
func (p *Parser) parseFeed(src config.Source, content []byte) Result {
	var r Result

	feed, err := gofeed.NewParser().ParseString(string(content))
	if err != nil {
		r.Warnings = append(r.Warnings, "feed parse failed: "+err.Error())
		return r
	}

	for _, entry := range feed.Items {
		title := NormalizeText(entry.Title)
		if title == "" {
			continue
		}

		var date string
		if entry.PublishedParsed != nil {
			date = entry.PublishedParsed.Format("2006-01-02")
		} else if entry.UpdatedParsed != nil {
			date = entry.UpdatedParsed.Format("2006-01-02")
		}

		text := stripHTML(entry.Content)
		if text == "" {
			text = stripHTML(entry.Description)
		}
		if text == "" {
			text = title
		}

		var attachments []store.Attachment
		if entry.Link != "" {
			attachments = append(attachments, store.Attachment{Name: title, URL: entry.Link})
		}
		for _, enc := range entry.Enclosures {
			if enc.URL != "" {
				attachments = append(attachments, store.Attachment{Name: title, URL: enc.URL})
			}
		}

		r.Items = append(r.Items, p.newItem(src, title, date, text, attachments))
	}

	r.Items = dedupe(r.Items)
	return r
}
