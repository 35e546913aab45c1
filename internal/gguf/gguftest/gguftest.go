// Package gguftest writes small GGUF files for tests.
package gguftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/23skdu/quarrel-batch/internal/gguf"
)

type KV struct {
	Key   string
	Value interface{}
}

type Tensor struct {
	Name string
	Dims []uint64
	Type gguf.GGMLType
}

// Encode serializes a version 3 GGUF file with zero-filled tensor data.
func Encode(kvs []KV, tensors []Tensor) ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&buf, le, uint32(gguf.GGUFMagic))
	_ = binary.Write(&buf, le, uint32(gguf.GGUFVersion))
	_ = binary.Write(&buf, le, uint64(len(tensors)))
	_ = binary.Write(&buf, le, uint64(len(kvs)))

	for _, kv := range kvs {
		writeString(&buf, kv.Key)
		if err := writeValue(&buf, kv.Value); err != nil {
			return nil, fmt.Errorf("kv %q: %w", kv.Key, err)
		}
	}

	var dataOffset uint64
	infos := make([]*gguf.TensorInfo, len(tensors))
	for i, t := range tensors {
		info := &gguf.TensorInfo{Name: t.Name, Dimensions: t.Dims, Type: t.Type, Offset: dataOffset}
		infos[i] = info
		writeString(&buf, t.Name)
		_ = binary.Write(&buf, le, uint32(len(t.Dims)))
		for _, d := range t.Dims {
			_ = binary.Write(&buf, le, d)
		}
		_ = binary.Write(&buf, le, uint32(t.Type))
		_ = binary.Write(&buf, le, dataOffset)
		dataOffset += info.SizeBytes()
		if pad := dataOffset % 32; pad != 0 {
			dataOffset += 32 - pad
		}
	}

	if pad := buf.Len() % 32; pad != 0 {
		buf.Write(make([]byte, 32-pad))
	}
	buf.Write(make([]byte, dataOffset))
	return buf.Bytes(), nil
}

// WriteFile encodes and writes a GGUF file, failing the test on error.
func WriteFile(tb testing.TB, path string, kvs []KV, tensors []Tensor) {
	tb.Helper()
	data, err := Encode(kvs, tensors)
	if err != nil {
		tb.Fatalf("encode gguf: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write gguf: %v", err)
	}
}

// Vocab returns the metadata for a llama-style tokenizer over tokens.
func Vocab(tokens []string, bos, eos, unk uint32) []KV {
	return []KV{
		{"tokenizer.ggml.model", "llama"},
		{"tokenizer.ggml.tokens", tokens},
		{"tokenizer.ggml.bos_token_id", bos},
		{"tokenizer.ggml.eos_token_id", eos},
		{"tokenizer.ggml.unknown_token_id", unk},
	}
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	le := binary.LittleEndian
	switch x := v.(type) {
	case string:
		_ = binary.Write(buf, le, uint32(gguf.MetadataString))
		writeString(buf, x)
	case uint32:
		_ = binary.Write(buf, le, uint32(gguf.MetadataUint32))
		_ = binary.Write(buf, le, x)
	case int32:
		_ = binary.Write(buf, le, uint32(gguf.MetadataInt32))
		_ = binary.Write(buf, le, x)
	case uint64:
		_ = binary.Write(buf, le, uint32(gguf.MetadataUint64))
		_ = binary.Write(buf, le, x)
	case float32:
		_ = binary.Write(buf, le, uint32(gguf.MetadataFloat32))
		_ = binary.Write(buf, le, math.Float32bits(x))
	case bool:
		_ = binary.Write(buf, le, uint32(gguf.MetadataBool))
		var b uint8
		if x {
			b = 1
		}
		buf.WriteByte(b)
	case []string:
		_ = binary.Write(buf, le, uint32(gguf.MetadataArray))
		_ = binary.Write(buf, le, uint32(gguf.MetadataString))
		_ = binary.Write(buf, le, uint64(len(x)))
		for _, s := range x {
			writeString(buf, s)
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}
