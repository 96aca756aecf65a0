package assets

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	// SPIR-V bytecode, loaded as []byte.
	AssetTypeShader
	// PNG, JPEG or BMP, loaded as image.Image.
	AssetTypeImage
)

func (t AssetType) String() string {
	switch t {
	case AssetTypeShader:
		return "shader"
	case AssetTypeImage:
		return "image"
	}
	return "none"
}

type Loader interface {
	Load(path string) (interface{}, error)
}
