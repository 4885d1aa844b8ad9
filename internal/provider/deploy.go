package provider

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrHashMismatch is returned when a fetched package does not match the
// digest in its reference.
var ErrHashMismatch = errors.New("package hash mismatch")

// PackageRef is a parsed task package reference of the form
// hash:sha3:<hex>:<url>, or a bare url without a digest.
type PackageRef struct {
	Digest []byte
	URL    string
}

// ParsePackageRef parses a package reference.
func ParsePackageRef(ref string) (PackageRef, error) {
	if ref == "" {
		return PackageRef{}, errors.New("empty package reference")
	}
	if !strings.HasPrefix(ref, "hash:") {
		return PackageRef{URL: ref}, nil
	}
	parts := strings.SplitN(ref, ":", 4)
	if len(parts) != 4 || parts[3] == "" {
		return PackageRef{}, fmt.Errorf("package reference %q: want hash:sha3:<hex>:<url>", ref)
	}
	if parts[1] != "sha3" {
		return PackageRef{}, fmt.Errorf("package reference %q: unsupported hash %q", ref, parts[1])
	}
	digest, err := hex.DecodeString(parts[2])
	if err != nil {
		return PackageRef{}, fmt.Errorf("package reference %q: %w", ref, err)
	}
	if newHash(len(digest)) == nil {
		return PackageRef{}, fmt.Errorf("package reference %q: unsupported digest length %d", ref, len(digest))
	}
	return PackageRef{Digest: digest, URL: parts[3]}, nil
}

// newHash picks the SHA-3 variant by digest size.
func newHash(size int) hash.Hash {
	switch size {
	case 28:
		return sha3.New224()
	case 32:
		return sha3.New256()
	case 48:
		return sha3.New384()
	case 64:
		return sha3.New512()
	}
	return nil
}

// Fetch copies the package into dir and verifies its digest. file://
// urls and plain paths are read locally.
func (p PackageRef) Fetch(ctx context.Context, client *http.Client, dir string) (string, error) {
	src, err := p.open(ctx, client)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(dir, "package")
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var w io.Writer = f
	var h hash.Hash
	if len(p.Digest) > 0 {
		h = newHash(len(p.Digest))
		w = io.MultiWriter(f, h)
	}
	if _, err := io.Copy(w, src); err != nil {
		return "", fmt.Errorf("download %s: %w", p.URL, err)
	}
	if h != nil {
		if sum := h.Sum(nil); !bytes.Equal(sum, p.Digest) {
			return "", fmt.Errorf("%w: got %x, want %x", ErrHashMismatch, sum, p.Digest)
		}
	}
	return dst, f.Close()
}

func (p PackageRef) open(ctx context.Context, client *http.Client) (io.ReadCloser, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("package url: %w", err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = p.URL
		}
		return os.Open(path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return nil, err
		}
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", p.URL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download %s: %s", p.URL, resp.Status)
		}
		return resp.Body, nil
	}
	return nil, fmt.Errorf("package url %q: unsupported scheme", p.URL)
}
