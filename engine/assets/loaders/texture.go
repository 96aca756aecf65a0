package loaders

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/cockroachdb/errors"
	_ "golang.org/x/image/bmp"
)

type TextureLoader struct{}

func (tl *TextureLoader) Load(path string) (interface{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", path)
	}
	if img.Bounds().Empty() {
		return nil, errors.Newf("image %q (%s) is empty", path, format)
	}
	return img, nil
}
