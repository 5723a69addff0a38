// Package formdata splits multipart/form-data request bodies into file parts.
//
// The parser works on a fully buffered body and is lenient: parts it cannot
// make sense of are dropped instead of failing the whole body.
package formdata

import (
	"bytes"
	"errors"
	"mime"
	"strings"
)

var (
	// ErrMalformedBody is returned when a body cannot be split into parts at all.
	ErrMalformedBody = errors.New("malformed multipart body")
	// ErrNotMultipart is returned for content types other than multipart/form-data.
	ErrNotMultipart = errors.New("expected multipart/form-data")
	// ErrNoBoundary is returned when the content type carries no boundary.
	ErrNoBoundary = errors.New("no boundary in content type")
)

// Part is one file field of a multipart body.
type Part struct {
	FieldName string
	FileName  string
	Content   []byte
}

var (
	crlf           = []byte("\r\n")
	headerEnd      = []byte("\r\n\r\n")
	closeMarker    = []byte("--")
	dispositionKey = []byte("content-disposition:")
)

const asciiSpace = " \t\r\n\v\f"

// Boundary returns the boundary token of a multipart/form-data content type.
// Unquoted boundaries containing characters that are not valid in a media
// type parameter, such as "----=_Part_0", are still accepted.
func Boundary(contentType string) ([]byte, error) {
	// ParseMediaType still reports the media type when a parameter is invalid.
	mediaType, params, err := mime.ParseMediaType(contentType)
	if mediaType != "multipart/form-data" {
		return nil, ErrNotMultipart
	}
	b := params["boundary"]
	if errors.Is(err, mime.ErrInvalidMediaParameter) {
		b = rawBoundary(contentType)
	}
	if b == "" {
		return nil, ErrNoBoundary
	}
	return []byte(b), nil
}

// rawBoundary takes the text after "boundary=" up to the next ';'.
func rawBoundary(contentType string) string {
	const key = "boundary="
	for _, tok := range strings.Split(contentType, ";") {
		tok = strings.TrimSpace(tok)
		if len(tok) >= len(key) && strings.EqualFold(tok[:len(key)], key) {
			return unquote(strings.TrimSpace(tok[len(key):]))
		}
	}
	return ""
}

// Parse splits body on "--"+boundary and returns every part that carries a
// Content-Disposition with both a name and a filename, in body order.
// Content is returned as raw bytes; Content-Transfer-Encoding is ignored.
func Parse(body, boundary []byte) ([]Part, error) {
	if len(boundary) == 0 {
		return nil, ErrMalformedBody
	}
	if len(body) == 0 {
		return nil, nil
	}

	delim := append([]byte("--"), boundary...)
	if !bytes.Contains(body, delim) {
		return nil, ErrMalformedBody
	}

	var parts []Part
	for _, raw := range bytes.Split(body, delim) {
		p, ok := parsePart(raw)
		if ok {
			parts = append(parts, p)
		}
	}
	return parts, nil
}

func parsePart(raw []byte) (Part, bool) {
	trimmed := bytes.Trim(raw, asciiSpace)
	if len(trimmed) == 0 || bytes.Equal(trimmed, closeMarker) {
		return Part{}, false
	}

	raw = bytes.TrimLeft(raw, asciiSpace)
	i := bytes.Index(raw, headerEnd)
	if i < 0 {
		return Part{}, false
	}
	header, content := raw[:i], raw[i+len(headerEnd):]

	// The CRLF before the next delimiter belongs to the delimiter. Without
	// it, a trailing "--" is a leftover of a glued close delimiter.
	if bytes.HasSuffix(content, crlf) {
		content = content[:len(content)-len(crlf)]
	} else if bytes.HasSuffix(content, closeMarker) {
		content = content[:len(content)-len(closeMarker)]
	}

	disposition, ok := findDisposition(header)
	if !ok {
		return Part{}, false
	}
	name, filename := dispositionParams(disposition)
	if name == "" || filename == "" {
		return Part{}, false
	}

	return Part{
		FieldName: name,
		FileName:  filename,
		Content:   content,
	}, true
}

func findDisposition(header []byte) (string, bool) {
	for _, line := range bytes.Split(header, crlf) {
		if len(line) < len(dispositionKey) {
			continue
		}
		if bytes.EqualFold(line[:len(dispositionKey)], dispositionKey) {
			return strings.ToValidUTF8(string(line[len(dispositionKey):]), ""), true
		}
	}
	return "", false
}

// dispositionParams extracts the name and filename parameters. Keys are
// matched case-sensitively.
func dispositionParams(value string) (name, filename string) {
	for _, tok := range strings.Split(value, ";") {
		tok = strings.TrimSpace(tok)
		switch {
		case strings.HasPrefix(tok, "name="):
			name = unquote(strings.TrimSpace(tok[len("name="):]))
		case strings.HasPrefix(tok, "filename="):
			filename = unquote(strings.TrimSpace(tok[len("filename="):]))
		}
	}
	return name, filename
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
