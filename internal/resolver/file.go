package resolver

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type extractor func(data []byte) (string, error)

var fileExtractors = map[string]extractor{
	".txt":  plainText,
	".md":   plainText,
	".csv":  plainText,
	".docx": docxText,
	".pdf":  pdfText,
}

// SupportedExtensions lists the file extensions FileText accepts.
func SupportedExtensions() string {
	exts := make([]string, 0, len(fileExtractors))
	for ext := range fileExtractors {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return strings.Join(exts, ", ")
}

// Supported reports whether name has an extension FileText accepts.
func Supported(name string) bool {
	_, ok := fileExtractors[strings.ToLower(filepath.Ext(name))]
	return ok
}

// FileText extracts text from the bytes of a file named name, picking the
// extractor by extension.
func FileText(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	fn, ok := fileExtractors[ext]
	if !ok {
		return "", unsupported("resolver: %s (supported: %s)", filepath.Base(name), SupportedExtensions())
	}
	text, err := fn(data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", unsupported("resolver: %s has no extractable text", filepath.Base(name))
	}
	return text, nil
}

func plainText(data []byte) (string, error) {
	return DecodeText(data, "")
}

// DecodeText converts data to UTF-8. A byte-order mark wins, then the
// charset named in label (an HTTP Content-Type or bare charset name). Input
// that is still not valid UTF-8 is read as Windows-1252.
func DecodeText(data []byte, label string) (string, error) {
	var enc encoding.Encoding
	if cs := charsetOf(label); cs != "" {
		if e, err := htmlindex.Get(cs); err == nil {
			enc = e
		}
	}

	var fallback transform.Transformer = transform.Nop
	if enc != nil {
		fallback = enc.NewDecoder()
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), data)
	if err != nil {
		return "", eris.Wrap(err, "resolver: decode text")
	}
	if !utf8.Valid(out) {
		out, _, err = transform.Bytes(charmap.Windows1252.NewDecoder(), data)
		if err != nil {
			return "", eris.Wrap(err, "resolver: decode text")
		}
	}
	return string(out), nil
}

func charsetOf(label string) string {
	label = strings.TrimSpace(label)
	if i := strings.Index(strings.ToLower(label), "charset="); i >= 0 {
		cs := label[i+len("charset="):]
		if j := strings.IndexByte(cs, ';'); j >= 0 {
			cs = cs[:j]
		}
		return strings.Trim(strings.TrimSpace(cs), `"'`)
	}
	if strings.ContainsAny(label, "/;") {
		return ""
	}
	return label
}

// docxText reads the paragraphs of word/document.xml. Tabs and line breaks
// inside a paragraph are kept.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", unsupported("resolver: not a docx archive: %v", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return "", unsupported("resolver: docx has no word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return "", eris.Wrap(err, "resolver: open word/document.xml")
	}
	defer rc.Close() //nolint:errcheck

	var (
		sb     strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "resolver: parse word/document.xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func pdfText(data []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = unsupported("resolver: unreadable pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", unsupported("resolver: not a pdf: %v", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", eris.Wrap(err, "resolver: extract pdf text")
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", eris.Wrap(err, "resolver: read pdf text")
	}
	return string(out), nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, eris.Errorf("document exceeds %d bytes", maxBytes)
	}
	return data, nil
}
