// Package ollama finds model blobs in a local Ollama store so a model can be
// named like "quizgen:7b" instead of by path.
package ollama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
	MediaTypeAdapter = "application/vnd.ollama.image.adapter"
	modelsDirEnv     = "OLLAMA_MODELS"
	manifestsDirName = "manifests"
	blobsDirName     = "blobs"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Name is a parsed model reference.
type Name struct {
	Registry  string
	Namespace string
	Model     string
	Tag       string
}

// Resolved points at the blobs of a model in the store.
type Resolved struct {
	Name     Name
	Model    string
	Adapters []string
	Size     int64
}

// ModelsDir returns $OLLAMA_MODELS or ~/.ollama/models.
func ModelsDir() (string, error) {
	if env := os.Getenv(modelsDirEnv); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ParseName accepts "model", "model:tag", "ns/model:tag" and
// "host/ns/model:tag".
func ParseName(s string) (Name, error) {
	n := Name{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return n, fmt.Errorf("empty model name")
	}

	path := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		path, n.Tag = s[:i], s[i+1:]
		if n.Tag == "" {
			return n, fmt.Errorf("empty tag in %q", s)
		}
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return n, fmt.Errorf("invalid model name %q", s)
		}
	}
	switch len(parts) {
	case 1:
		n.Model = parts[0]
	case 2:
		n.Namespace, n.Model = parts[0], parts[1]
	case 3:
		n.Registry, n.Namespace, n.Model = parts[0], parts[1], parts[2]
	default:
		return n, fmt.Errorf("invalid model name %q", s)
	}
	return n, nil
}

func (n Name) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", n.Registry, n.Namespace, n.Model, n.Tag)
}

// Resolve reads the manifest for name under baseDir and returns the model
// blob and any adapter blobs.
func Resolve(baseDir, name string) (*Resolved, error) {
	n, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(baseDir, manifestsDirName, n.Registry, n.Namespace, n.Model, n.Tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("model manifest not found at %s", manifestPath)
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
	}

	r := &Resolved{Name: n}
	for _, l := range m.Layers {
		switch l.MediaType {
		case MediaTypeModel:
			if r.Model != "" {
				return nil, fmt.Errorf("manifest %s has more than one model layer", manifestPath)
			}
			p, err := blobPath(baseDir, l.Digest)
			if err != nil {
				return nil, err
			}
			r.Model = p
			r.Size = l.Size
		case MediaTypeAdapter:
			p, err := blobPath(baseDir, l.Digest)
			if err != nil {
				return nil, err
			}
			r.Adapters = append(r.Adapters, p)
		}
	}
	if r.Model == "" {
		return nil, fmt.Errorf("no model layer found in manifest %s", manifestPath)
	}
	return r, nil
}

// ResolveModelPath resolves name in the default store.
func ResolveModelPath(name string) (*Resolved, error) {
	baseDir, err := ModelsDir()
	if err != nil {
		return nil, err
	}
	return Resolve(baseDir, name)
}

// blobPath maps "sha256:abc" to <baseDir>/blobs/sha256-abc.
func blobPath(baseDir, digest string) (string, error) {
	algo, hash, ok := strings.Cut(digest, ":")
	if !ok || algo == "" || hash == "" || strings.ContainsAny(hash, `/\`) {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	p := filepath.Join(baseDir, blobsDirName, algo+"-"+hash)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("blob not found at %s: %w", p, err)
	}
	return p, nil
}
