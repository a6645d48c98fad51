package internal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var _stripTags = bluemonday.StrictPolicy()

// htmlParser is the default Parser for the upstream's server-rendered
// catalog pages. The XPath expressions here are the only place that knows
// the site's markup; everything downstream sees typed records.
type htmlParser struct {
	base string
}

var _ Parser = (*htmlParser)(nil)

// NewHTMLParser creates a parser for an upstream rooted at base.
func NewHTMLParser(base string) Parser {
	return &htmlParser{base: strings.TrimRight(base, "/")}
}

func (p *htmlParser) CategoryPageURL(cat Category, page int) string {
	if cat.URL != "" {
		return fmt.Sprintf("%s/%d.html", strings.TrimRight(cat.URL, "/"), page)
	}
	return fmt.Sprintf("%s/category/%s/%d.html", p.base, cat.ID, page)
}

func (p *htmlParser) BookURL(bookID string) string {
	return fmt.Sprintf("%s/book/%s/", p.base, bookID)
}

func (p *htmlParser) ChapterPageURL(bookID string, page int) string {
	if page <= 1 {
		return fmt.Sprintf("%s/book/%s/", p.base, bookID)
	}
	return fmt.Sprintf("%s/book/%s/index_%d.html", p.base, bookID, page)
}

// Categories parses the nav bar of the landing page.
func (p *htmlParser) Categories(doc *html.Node) ([]Category, error) {
	var cats []Category
	for _, a := range htmlquery.Find(doc, "//nav//a[contains(@href, '/category/')] | //div[contains(@class, 'nav')]//a[contains(@href, '/category/')]") {
		href := htmlquery.SelectAttr(a, "href")
		id := pathSegment(href, "category")
		if id == "" {
			continue
		}
		cats = append(cats, Category{
			ID:   id,
			Name: strings.TrimSpace(htmlquery.InnerText(a)),
			URL:  p.absolute(href),
		})
	}
	return dedupeCategories(cats), nil
}

// CategoryPage parses one listing page into book summaries plus the page
// count reported by the pager.
func (p *htmlParser) CategoryPage(doc *html.Node, catID string) ([]Book, int, error) {
	var books []Book
	for _, li := range htmlquery.Find(doc, "//ul[contains(@class, 'book-list') or contains(@class, 'list')]/li") {
		a := htmlquery.FindOne(li, ".//a[contains(@href, '/book/')]")
		if a == nil {
			continue
		}
		id := pathSegment(htmlquery.SelectAttr(a, "href"), "book")
		if id == "" {
			continue
		}
		b := Book{
			ID:         id,
			Name:       strings.TrimSpace(htmlquery.InnerText(a)),
			CategoryID: catID,
		}
		if n := htmlquery.FindOne(li, ".//*[contains(@class, 'author')]"); n != nil {
			b.Author = strings.TrimSpace(htmlquery.InnerText(n))
		}
		if n := htmlquery.FindOne(li, ".//*[contains(@class, 'update') or contains(@class, 'date')]"); n != nil {
			b.UpdateDate = strings.TrimSpace(htmlquery.InnerText(n))
		}
		books = append(books, b)
	}
	return books, pagerTotal(doc), nil
}

// BookInfo parses a book's detail page.
func (p *htmlParser) BookInfo(doc *html.Node, bookID string) (*Book, error) {
	b := &Book{ID: bookID}

	if n := htmlquery.FindOne(doc, "//h1 | //*[contains(@class, 'book-name')]"); n != nil {
		b.Name = strings.TrimSpace(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'author')]//a | //*[contains(@class, 'author')]"); n != nil {
		b.Author = strings.TrimSpace(strings.TrimPrefix(htmlquery.InnerText(n), "Author:"))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'status')]"); n != nil {
		b.Status = NormalizeStatus(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'type') or contains(@class, 'genre')]"); n != nil {
		b.Type = strings.TrimSpace(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'intro') or contains(@class, 'desc')]"); n != nil {
		b.Description = strings.TrimSpace(_stripTags.Sanitize(htmlquery.InnerText(n)))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'update') or contains(@class, 'date')]"); n != nil {
		b.UpdateDate = strings.TrimSpace(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'bookmark') or contains(@class, 'fav')]"); n != nil {
		b.BookmarkCount = parseCount(htmlquery.InnerText(n))
	}
	if n := htmlquery.FindOne(doc, "//*[contains(@class, 'view') or contains(@class, 'hit')]"); n != nil {
		b.ViewCount = parseCount(htmlquery.InnerText(n))
	}

	// The newest chapter is linked from the detail page; its number anchors
	// the reconciliation baseline for books we haven't indexed yet.
	if a := htmlquery.FindOne(doc, "//*[contains(@class, 'last-chapter') or contains(@class, 'newest')]//a"); a != nil {
		title := strings.TrimSpace(htmlquery.InnerText(a))
		b.LastChapterTitle = title
		b.LastChapterURL = p.absolute(htmlquery.SelectAttr(a, "href"))
		b.LastChapterNumber = chapterNumber(title)
	}

	if b.Status == "" {
		b.Status = "ongoing"
	}
	return b, nil
}

// ChapterPage parses one page of a chapter index.
func (p *htmlParser) ChapterPage(doc *html.Node, bookID string) (*ChapterPage, error) {
	cp := &ChapterPage{TotalPages: pagerTotal(doc)}

	for _, a := range htmlquery.Find(doc, "//ul[contains(@class, 'chapter') or contains(@class, 'catalog')]//a") {
		href := htmlquery.SelectAttr(a, "href")
		title := strings.TrimSpace(htmlquery.InnerText(a))
		if href == "" || title == "" {
			continue
		}
		num := chapterNumber(title)
		if num == 0 {
			continue // Announcements and other non-chapter links.
		}
		cp.Chapters = append(cp.Chapters, Chapter{
			BookID: bookID,
			Number: num,
			Key:    ChapterKeyFromURL(href),
			Title:  title,
			URL:    p.absolute(href),
		})
	}
	return cp, nil
}

// Content parses a chapter reading page into plain text.
func (p *htmlParser) Content(doc *html.Node) (string, error) {
	n := htmlquery.FindOne(doc, "//*[@id='content' or contains(@class, 'content') or contains(@class, 'chapter-text')]")
	if n == nil {
		return "", fmt.Errorf("no content node")
	}
	var sb strings.Builder
	for _, par := range htmlquery.Find(n, ".//p") {
		sb.WriteString(strings.TrimSpace(_stripTags.Sanitize(htmlquery.InnerText(par))))
		sb.WriteString("\n\n")
	}
	if sb.Len() == 0 {
		// Some templates dump raw text with <br> separators instead of <p>.
		sb.WriteString(strings.TrimSpace(_stripTags.Sanitize(htmlquery.InnerText(n))))
	}
	return strings.TrimSpace(sb.String()), nil
}

func (p *htmlParser) absolute(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return p.base + "/" + strings.TrimLeft(href, "/")
}

// NormalizeStatus folds the upstream's locale-dependent completion
// sentinels into the single canonical token the core relies on.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "status:")
	s = strings.TrimSpace(s)
	switch s {
	case "completed", "complete", "finished", "end", "完结", "完本", "已完结", "已完成":
		return StatusCompleted
	case "":
		return "ongoing"
	}
	return s
}

// ChapterKeyFromURL derives the opaque chapter key from an upstream URL,
// e.g. ".../book/42/1553.html" -> "1553".
func ChapterKeyFromURL(rawurl string) string {
	seg := rawurl
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.Index(seg, "."); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// chapterNumber extracts the leading chapter number from a title like
// "Chapter 1024: The Gate" or "第1024章 ...". Returns 0 when no number is
// recognizable.
func chapterNumber(title string) int {
	digits := ""
	seen := false
	for _, r := range title {
		if r >= '0' && r <= '9' {
			digits += string(r)
			seen = true
			continue
		}
		if seen {
			break
		}
	}
	n, _ := strconv.Atoi(digits)
	return n
}

// pagerTotal reads the "page X of Y" control, returning 0 when absent.
func pagerTotal(doc *html.Node) int {
	for _, xp := range []string{
		"//*[contains(@class, 'page')]//option[last()]",
		"//*[contains(@class, 'page')]//a[last()]",
	} {
		if n := htmlquery.FindOne(doc, xp); n != nil {
			if v, err := strconv.Atoi(strings.TrimSpace(htmlquery.InnerText(n))); err == nil && v > 0 {
				return v
			}
		}
	}
	return 0
}

// parseCount parses "12,345" and "12345" alike, tolerating labels.
func parseCount(raw string) int64 {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	n, _ := strconv.ParseInt(digits, 10, 64)
	return n
}

func pathSegment(href, after string) string {
	parts := strings.Split(strings.Trim(href, "/"), "/")
	for i, p := range parts {
		if p == after && i+1 < len(parts) {
			seg := parts[i+1]
			if j := strings.Index(seg, "."); j >= 0 {
				seg = seg[:j]
			}
			return seg
		}
	}
	return ""
}

func dedupeCategories(cats []Category) []Category {
	seen := map[string]bool{}
	out := cats[:0]
	for _, c := range cats {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
