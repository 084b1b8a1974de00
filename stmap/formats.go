package stmap

import (
	_ "image/jpeg"
	_ "image/png"

	"github.com/mdouchement/hdr"
	_ "github.com/mdouchement/hdr/codec/rgbe"
	_ "golang.org/x/image/tiff"
)

// floatImage is an image whose channels are real-valued rather than
// quantized; Radiance HDR decodes to one. For these the coordinate
// channels are read at full float precision.
type floatImage = hdr.Image
