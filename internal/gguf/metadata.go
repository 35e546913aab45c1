package gguf

import "fmt"

// String returns a string metadata value.
func (f *File) String(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

// Uint returns an integer metadata value of any width as uint64.
// Negative signed values are reported as missing.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	default:
		return 0, false
	}
}

// Strings returns a string array metadata value.
func (f *File) Strings(key string) ([]string, error) {
	raw, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("%s not found in GGUF", key)
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid type %T for %s", raw, key)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, not a string", key, i, v)
		}
		out[i] = s
	}
	return out, nil
}

// Summary is what the loader logs about an artifact.
type Summary struct {
	Architecture  string
	Name          string
	ContextLength uint64
	Parameters    uint64
	TensorCount   int
	WeightBytes   uint64
	Types         map[string]int
}

func (f *File) Summarize() Summary {
	s := Summary{
		TensorCount: len(f.Tensors),
		Types:       make(map[string]int),
	}
	s.Architecture, _ = f.String("general.architecture")
	s.Name, _ = f.String("general.name")
	if s.Architecture != "" {
		s.ContextLength, _ = f.Uint(s.Architecture + ".context_length")
	}
	for _, t := range f.Tensors {
		s.Parameters += t.Elements()
		s.WeightBytes += t.SizeBytes()
		s.Types[t.Type.String()]++
	}
	return s
}
