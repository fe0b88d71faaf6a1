package resolver

import (
	"bytes"
	"context"
	"mime"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var googleIDPattern = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// GoogleExportURL rewrites Google Docs, Sheets, Slides and Drive links to
// their plain-text (or raw download) export URL. Other URLs are returned
// with ok false.
func GoogleExportURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	id := ""
	if m := googleIDPattern.FindStringSubmatch(u.Path); m != nil {
		id = m[1]
	} else if v := u.Query().Get("id"); v != "" {
		id = v
	}
	if id == "" {
		return "", false
	}

	switch u.Host {
	case "docs.google.com":
		switch {
		case strings.HasPrefix(u.Path, "/document/"):
			return "https://docs.google.com/document/d/" + id + "/export?format=txt", true
		case strings.HasPrefix(u.Path, "/spreadsheets/"):
			return "https://docs.google.com/spreadsheets/d/" + id + "/export?format=csv", true
		case strings.HasPrefix(u.Path, "/presentation/"):
			return "https://docs.google.com/presentation/d/" + id + "/export/txt", true
		}
	case "drive.google.com":
		return "https://drive.google.com/uc?export=download&id=" + id, true
	}
	return "", false
}

func (r *Resolver) resolveURL(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", unsupported("resolver: invalid url %q", raw)
	}

	target := u.String()
	export, isGoogle := GoogleExportURL(target)
	if isGoogle {
		target = export
	} else if r.jina != nil {
		return r.readViaJina(ctx, target)
	}

	body, contentType, err := r.fetcher.Download(ctx, target)
	if err != nil {
		return "", fetchFailed(err, "resolver: fetch "+raw)
	}
	defer body.Close() //nolint:errcheck

	data, err := readLimited(body, r.maxBytes)
	if err != nil {
		return "", fetchFailed(err, "resolver: read "+raw)
	}

	text, err := bodyText(u, data, contentType)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", unsupported("resolver: %s has no extractable text", raw)
	}
	return text, nil
}

func (r *Resolver) readViaJina(ctx context.Context, target string) (string, error) {
	resp, err := r.jina.Read(ctx, target)
	if err != nil {
		return "", fetchFailed(err, "resolver: jina read "+target)
	}
	if strings.TrimSpace(resp.Data.Content) == "" {
		return "", unsupported("resolver: %s has no extractable text", target)
	}
	zap.L().Debug("resolver: read via jina",
		zap.String("url", target),
		zap.Int("tokens", resp.Data.Usage.Tokens),
		zap.Float64("cost_usd", r.pricing.Jina(resp.Data.Usage.Tokens)),
	)
	return resp.Data.Content, nil
}

// bodyText picks an extractor from the response media type, sniffing the
// body when the server sends none.
func bodyText(u *url.URL, data []byte, contentType string) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")):
		return pdfText(data)
	case mediaType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" ||
		bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return docxText(data)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" ||
		(mediaType == "" && looksLikeHTML(data)):
		html, err := DecodeText(data, contentType)
		if err != nil {
			return "", err
		}
		return HTMLText(u, html)
	case mediaType == "" || strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/json" || mediaType == "application/octet-stream":
		return DecodeText(data, contentType)
	default:
		return "", unsupported("resolver: content type %q", mediaType)
	}
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

const blockSelector = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,td,th"

// HTMLText reduces a web page to its readable text: readability isolates the
// main content, then each block element becomes one line.
func HTMLText(u *url.URL, html string) (string, error) {
	content := html
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(html), u)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		content = article.Content
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", eris.Wrap(err, "resolver: parse html")
	}
	doc.Find("script,style,noscript,nav,footer").Remove()

	var lines []string
	if title := normalizeSpace(article.Title); title != "" {
		lines = append(lines, title)
	}
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Outer blocks repeat their children's text.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if line := normalizeSpace(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 || (len(lines) == 1 && article.Title != "") {
		if text := normalizeSpace(doc.Text()); text != "" {
			return text, nil
		}
	}
	return strings.Join(lines, "\n"), nil
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
