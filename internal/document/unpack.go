package document

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

// Candidate is one raster image considered for face extraction.
type Candidate struct {
	// SourcePage is the 0-based page for images taken from a container, nil for direct uploads.
	SourcePage *int
	Image      image.Image
	// Path locates the extracted file inside the workspace; empty for direct uploads.
	Path string
}

// DocumentParseError reports an upload that could not be opened or decoded.
type DocumentParseError struct {
	Err error
}

func (e *DocumentParseError) Error() string {
	return fmt.Sprintf("document parse: %v", e.Err)
}

func (e *DocumentParseError) Unwrap() error {
	return e.Err
}

// ExtractFunc enumerates the embedded images of a container and hands each to digest.
type ExtractFunc func(rs io.ReadSeeker, digest func(model.Image) error) error

// Unpacker produces the ordered candidate images of an upload.
type Unpacker struct {
	extract ExtractFunc
	logger  *zap.Logger
}

// Option customizes an Unpacker.
type Option func(*Unpacker)

// WithExtractor replaces the pdfcpu image extraction.
func WithExtractor(fn ExtractFunc) Option {
	return func(u *Unpacker) {
		u.extract = fn
	}
}

// NewUnpacker returns an Unpacker backed by pdfcpu with relaxed validation.
func NewUnpacker(logger *zap.Logger, opts ...Option) *Unpacker {
	u := &Unpacker{logger: logger.Named("unpacker")}
	for _, opt := range opts {
		opt(u)
	}
	if u.extract == nil {
		u.extract = pdfcpuExtractor()
	}
	return u
}

func pdfcpuExtractor() ExtractFunc {
	api.DisableConfigDir()
	return func(rs io.ReadSeeker, digest func(model.Image) error) error {
		conf := model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
		conf.Cmd = model.EXTRACTIMAGES
		ctx, err := api.ReadValidateAndOptimize(rs, conf)
		if err != nil {
			return err
		}
		// An empty page tree has nothing to extract.
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			images, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
			if err != nil {
				return fmt.Errorf("page %d: %w", pageNr, err)
			}
			for _, img := range images {
				if err := digest(img); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// Unpack returns the candidates of doc in document order. Container artifacts are
// written to ws; the caller owns ws and releases it once the candidates are consumed.
// A container without extractable images yields an empty, non-nil slice.
func (u *Unpacker) Unpack(ws *Workspace, kind Kind, doc Upload) ([]Candidate, error) {
	switch kind {
	case KindImage:
		img, err := decodeRaster(bytes.NewReader(doc.Bytes))
		if err != nil {
			return nil, &DocumentParseError{Err: fmt.Errorf("decode %s: %w", doc.Extension, err)}
		}
		return []Candidate{{Image: img}}, nil
	case KindContainer:
		return u.unpackContainer(ws, doc)
	default:
		return nil, &UnsupportedTypeError{Extension: doc.Extension}
	}
}

type extracted struct {
	page  int
	objNr int
	path  string
}

func (u *Unpacker) unpackContainer(ws *Workspace, doc Upload) (candidates []Candidate, err error) {
	source, err := ws.Create("source."+containerExtension, bytes.NewReader(doc.Bytes))
	if err != nil {
		return nil, fmt.Errorf("stage container: %w", err)
	}
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("open staged container: %w", err)
	}
	defer f.Close()

	defer func() {
		if r := recover(); r != nil {
			candidates, err = nil, &DocumentParseError{Err: fmt.Errorf("pdf reader panic: %v", r)}
		}
	}()

	var entries []extracted
	err = u.extract(f, func(img model.Image) error {
		if img.Thumb {
			u.logger.Debug("skipping page thumbnail", zap.Int("page", img.PageNr), zap.Int("obj", img.ObjNr))
			return nil
		}
		fileType := strings.ToLower(img.FileType)
		if !isRasterType(fileType) {
			u.logger.Debug("skipping embedded image with unsupported encoding",
				zap.Int("page", img.PageNr), zap.Int("obj", img.ObjNr), zap.String("file_type", img.FileType))
			return nil
		}
		name := fmt.Sprintf("page%04d_obj%06d.%s", img.PageNr, img.ObjNr, fileType)
		path, err := ws.Create(name, img)
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		entries = append(entries, extracted{page: img.PageNr - 1, objNr: img.ObjNr, path: path})
		return nil
	})
	if err != nil {
		return nil, &DocumentParseError{Err: err}
	}

	// Extraction callbacks are not ordered; restore page order, then storage order within a page.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].page != entries[j].page {
			return entries[i].page < entries[j].page
		}
		return entries[i].objNr < entries[j].objNr
	})

	candidates = make([]Candidate, 0, len(entries))
	for _, e := range entries {
		img, err := decodeFile(e.path)
		if err != nil {
			return nil, &DocumentParseError{Err: fmt.Errorf("page %d: %w", e.page, err)}
		}
		page := e.page
		candidates = append(candidates, Candidate{SourcePage: &page, Image: img, Path: e.path})
	}
	u.logger.Debug("container unpacked", zap.String("filename", doc.Filename), zap.Int("candidates", len(candidates)))
	return candidates, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeRaster(f)
}
