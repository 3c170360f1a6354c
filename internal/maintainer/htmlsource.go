package maintainer

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rotaproxy/internal/config"
)

// parseHTMLSource extracts ip:port pairs from an HTML table, since a
// number of free-proxy list sites publish their inventory as a table
// rather than a raw text file. The CSS selector is configurable
// per-source (defaults to "table tr" and scans every cell for an
// ip:port match), so a single source list can mix plain-text and
// HTML-table entries without separate code paths downstream.
func parseHTMLSource(r io.Reader, src config.Source) ([]FetchedProxy, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	selector := src.Selector
	if selector == "" {
		selector = "table tr"
	}

	out := make([]FetchedProxy, 0)
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			// Selector may already target leaf cells directly.
			if p, ok := parseAddrLine(row.Text(), src); ok {
				out = append(out, p)
			}
			return
		}

		// Common layout: first cell is the IP, second is the port.
		// Fall back to scanning the whole row text for an ip:port
		// pair when that doesn't hold.
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := ""
		if cells.Length() > 1 {
			port = strings.TrimSpace(cells.Eq(1).Text())
		}
		if ip != "" && port != "" {
			if p, ok := parseAddrLine(ip+":"+port, src); ok {
				out = append(out, p)
				return
			}
		}
		if p, ok := parseAddrLine(row.Text(), src); ok {
			out = append(out, p)
		}
	})

	return out, nil
}
