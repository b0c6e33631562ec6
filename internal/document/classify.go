// Package document turns an upload into the raster images the face pipeline scores.
package document

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Kind is the classified type of an upload.
type Kind int

const (
	KindUnknown Kind = iota
	// KindImage is a single raster image.
	KindImage
	// KindContainer is a multi-page document holding embedded images.
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

const containerExtension = "pdf"

// Upload is the normalized request payload. It is not modified after NewUpload.
type Upload struct {
	Filename  string
	Extension string
	Bytes     []byte
}

// NewUpload derives the lowercased extension from the declared filename.
func NewUpload(filename string, data []byte) Upload {
	return Upload{
		Filename:  filename,
		Extension: strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")),
		Bytes:     data,
	}
}

// UnsupportedTypeError rejects an upload whose extension is not on the allow-list.
type UnsupportedTypeError struct {
	Extension string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Extension == "" {
		return "unsupported file type: missing extension"
	}
	return fmt.Sprintf("unsupported file type: .%s", e.Extension)
}

// Classifier validates uploads against an explicit extension allow-list.
// The payload is never sniffed; a mismatched body fails later while unpacking.
type Classifier struct {
	allowed map[string]Kind
}

// NewClassifier builds a classifier for the given extensions. Every extension
// must be the container type or a raster type this package can decode.
func NewClassifier(extensions []string) (*Classifier, error) {
	allowed := make(map[string]Kind, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		switch {
		case ext == containerExtension:
			allowed[ext] = KindContainer
		case isRasterType(ext):
			allowed[ext] = KindImage
		default:
			return nil, fmt.Errorf("no decoder for extension %q", ext)
		}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("allow-list is empty")
	}
	return &Classifier{allowed: allowed}, nil
}

// Classify returns the kind of the upload or an *UnsupportedTypeError.
func (c *Classifier) Classify(u Upload) (Kind, error) {
	kind, ok := c.allowed[u.Extension]
	if !ok {
		return KindUnknown, &UnsupportedTypeError{Extension: u.Extension}
	}
	return kind, nil
}

// Allowed lists the accepted extensions in sorted order.
func (c *Classifier) Allowed() []string {
	out := make([]string, 0, len(c.allowed))
	for ext := range c.allowed {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
