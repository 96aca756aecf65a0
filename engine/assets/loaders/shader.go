package loaders

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
)

const SPIRV_MAGIC uint32 = 0x07230203

var ErrInvalidBytecode = errors.New("invalid SPIR-V bytecode")

type ShaderLoader struct{}

// Load reads a SPIR-V module and checks its header. The bytes are returned unchanged.
func (sl *ShaderLoader) Load(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading shader %q", path)
	}
	if err := ValidateSPIRV(data); err != nil {
		return nil, errors.Wrapf(err, "shader %q", path)
	}
	return data, nil
}

// ValidateSPIRV checks the size and magic number of a little-endian SPIR-V module.
func ValidateSPIRV(code []byte) error {
	if len(code) < 20 || len(code)%4 != 0 {
		return errors.Wrapf(ErrInvalidBytecode, "%d bytes is not a whole SPIR-V module", len(code))
	}
	if magic := binary.LittleEndian.Uint32(code); magic != SPIRV_MAGIC {
		return errors.Wrapf(ErrInvalidBytecode, "magic 0x%08x", magic)
	}
	return nil
}
