// Package hasher computes the stable content digests used as stage
// signatures and asset checksums.
package hasher

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// Hasher accumulates ordered parts into a single digest. Every part is length
// prefixed, so ("ab", "c") and ("a", "bc") never collide.
type Hasher struct {
	d digest.Digester
}

func New() *Hasher {
	return &Hasher{d: digest.Canonical.Digester()}
}

// Add appends string parts in order.
func (h *Hasher) Add(parts ...string) *Hasher {
	for _, p := range parts {
		h.write([]byte(p))
	}
	return h
}

// AddDigest appends another digest as a part.
func (h *Hasher) AddDigest(d digest.Digest) *Hasher {
	return h.Add(d.String())
}

func (h *Hasher) write(b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	_, _ = h.d.Hash().Write(size[:])
	_, _ = h.d.Hash().Write(b)
}

func (h *Hasher) Digest() digest.Digest {
	return h.d.Digest()
}

// Strings is a shorthand for New().Add(parts...).Digest().
func Strings(parts ...string) digest.Digest {
	return New().Add(parts...).Digest()
}

// Reader digests a byte stream.
func Reader(r io.Reader) (digest.Digest, error) {
	return digest.Canonical.FromReader(r)
}

// File digests the content of a single file.
func File(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Tree digests a directory: relative path, type, permission bits and content
// of every entry, walked in lexical order. Modification times and ownership
// are ignored so equal trees hash equally on every host.
func Tree(root string) (digest.Digest, error) {
	type entry struct {
		rel  string
		kind string
		mode fs.FileMode
		sum  digest.Digest
	}
	var entries []entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := entry{rel: filepath.ToSlash(rel), mode: info.Mode().Perm()}
		switch {
		case d.IsDir():
			e.kind = "dir"
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			e.kind = "symlink"
			e.sum = digest.FromString(target)
		case info.Mode().IsRegular():
			sum, err := File(path)
			if err != nil {
				return err
			}
			e.kind = "file"
			e.sum = sum
		default:
			return fmt.Errorf("unsupported file type %s at %s", info.Mode().Type(), rel)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash tree %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := New()
	for _, e := range entries {
		h.Add(e.kind, e.rel, fmt.Sprintf("%o", e.mode), e.sum.String())
	}
	return h.Digest(), nil
}
