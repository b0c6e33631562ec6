package document

import (
	"image"
	"io"

	// Registered decoders double as the set of supported raster types.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// rasterTypes maps file extensions, including pdfcpu's extracted image types, to a decoder.
var rasterTypes = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"bmp":  true,
	"tif":  true,
	"tiff": true,
	"webp": true,
}

func isRasterType(ext string) bool {
	return rasterTypes[ext]
}

func decodeRaster(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}
