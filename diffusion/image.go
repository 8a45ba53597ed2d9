package diffusion

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/jmorganca/stagediff/ml"
)

// ToImage copies a [1, H, W, 4] u8 array into an RGBA image.
func ToImage(a ml.Array) (*image.RGBA, error) {
	shape := a.Shape()
	if a.DType() != ml.DTypeU8 || len(shape) != 4 || shape[0] != 1 || shape[3] != 4 {
		return nil, fmt.Errorf("want u8[1 H W 4] image, got %s%v", a.DType(), shape)
	}

	img := image.NewRGBA(image.Rect(0, 0, shape[2], shape[1]))
	copy(img.Pix, a.Bytes())
	return img, nil
}

// Thumbnail scales img so its longer side is at most size. Smaller images are
// returned unchanged.
func Thumbnail(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if size <= 0 || max(w, h) <= size {
		return img
	}

	if w >= h {
		w, h = size, max(1, h*size/w)
	} else {
		w, h = max(1, w*size/h), size
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	return dst
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBase64 is EncodePNG encoded as standard base64.
func EncodeBase64(img image.Image) (string, error) {
	bts, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bts), nil
}
