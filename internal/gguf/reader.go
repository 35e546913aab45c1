package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// File is a parsed GGUF model. Data is the memory-mapped file and must be
// released with Close.
type File struct {
	Path       string
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte
	DataOffset uint64
}

// maxArrayLen guards against corrupt length prefixes allocating the world.
const maxArrayLen = 1 << 26

// LoadFile maps a GGUF file into memory and parses its header, metadata and
// tensor infos.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.Path = path
	return file, nil
}

func parse(data []byte) (*File, error) {
	c := &cursor{data: data}
	file := &File{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	var err error
	if file.Header.Magic, err = c.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = c.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = c.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = c.u64(); err != nil {
		return nil, err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, err := c.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := c.u32()
		if err != nil {
			return nil, fmt.Errorf("kv %q type: %w", key, err)
		}
		val, err := c.value(MetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %q value: %w", key, err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t, err := c.tensorInfo()
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		file.Tensors = append(file.Tensors, t)
	}

	alignment := uint64(32)
	if v, ok := file.Uint("general.alignment"); ok && v > 0 {
		alignment = v
	}
	offset := c.off
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		end := offset + t.Offset + t.SizeBytes()
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s extends past end of file", t.Name)
		}
	}

	return file, nil
}

func (f *File) Close() error {
	if f.Data == nil {
		return nil
	}
	err := syscall.Munmap(f.Data)
	f.Data = nil
	return err
}

type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) need(n uint64) error {
	if c.off+n > uint64(len(c.data)) || c.off+n < c.off {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s, nil
}

func (c *cursor) value(typ MetadataValueType) (interface{}, error) {
	switch typ {
	case MetadataUint8:
		return c.u8()
	case MetadataInt8:
		v, err := c.u8()
		return int8(v), err
	case MetadataUint16:
		return c.u16()
	case MetadataInt16:
		v, err := c.u16()
		return int16(v), err
	case MetadataUint32:
		return c.u32()
	case MetadataInt32:
		v, err := c.u32()
		return int32(v), err
	case MetadataFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case MetadataBool:
		v, err := c.u8()
		return v != 0, err
	case MetadataString:
		return c.str()
	case MetadataUint64:
		return c.u64()
	case MetadataInt64:
		v, err := c.u64()
		return int64(v), err
	case MetadataFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case MetadataArray:
		elemType, err := c.u32()
		if err != nil {
			return nil, err
		}
		n, err := c.u64()
		if err != nil {
			return nil, err
		}
		if n > maxArrayLen {
			return nil, fmt.Errorf("array length %d too large", n)
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(MetadataValueType(elemType))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (c *cursor) tensorInfo() (*TensorInfo, error) {
	name, err := c.str()
	if err != nil {
		return nil, err
	}
	nDims, err := c.u32()
	if err != nil {
		return nil, err
	}
	if nDims > 8 {
		return nil, fmt.Errorf("tensor %s has %d dimensions", name, nDims)
	}
	dims := make([]uint64, nDims)
	for i := range dims {
		if dims[i], err = c.u64(); err != nil {
			return nil, err
		}
	}
	typ, err := c.u32()
	if err != nil {
		return nil, err
	}
	offset, err := c.u64()
	if err != nil {
		return nil, err
	}
	return &TensorInfo{Name: name, Dimensions: dims, Type: GGMLType(typ), Offset: offset}, nil
}
