package rtti

import (
	"bytes"
	"encoding/binary"

	"github.com/crashsnap/crashsnap/pkg/target"
)

// readStruct reads binary.Size(out) bytes at addr and decodes them
// little-endian into out, which must be a pointer to a fixed-size
// struct of fixed-width fields (no strings, no slices).
func readStruct(facade target.Facade, addr uintptr, out interface{}) error {
	size := binary.Size(out)
	buf := make([]byte, size)
	if err := facade.Read(addr, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, out)
}

func readInt32(facade target.Facade, addr uintptr) (int32, error) {
	v, err := facade.ReadValue(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(uint32(v)), nil
}

func readInt32Array(facade target.Facade, addr uintptr, count int) ([]int32, error) {
	if count <= 0 {
		return nil, nil
	}
	buf := make([]byte, count*4)
	if err := facade.Read(addr, buf); err != nil {
		return nil, err
	}
	out := make([]int32, count)
	for i := 0; i < count; i++ {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return out, nil
}
