package hash

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	stdhash "hash"
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
	mt "github.com/txaty/go-merkletree"
)

const bufferSize = 32 * 1024 // 32KB buffer for streaming

// Digest is a lowercase hexadecimal content or aggregate digest.
type Digest string

// Algorithm names a supported digest function.
type Algorithm string

const (
	XXH64  Algorithm = "xxh64"
	SHA256 Algorithm = "sha256"
)

// AutoRetries sizes the retry budget from the file: one retry plus one per GiB.
const AutoRetries = -1

var (
	emptyTreeTag = []byte("empty-tree")
	singleTag    = []byte("single-entry")
)

// ParseAlgorithm maps a configuration name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(name)) {
	case XXH64, "xxhash", "":
		return XXH64, nil
	case SHA256:
		return SHA256, nil
	default:
		return "", errors.Errorf("unsupported hash algorithm: %s", name)
	}
}

// DigestLen returns the length of a's hex-encoded digests, or 0 for an unknown algorithm.
func (a Algorithm) DigestLen() int {
	switch a {
	case XXH64:
		return 16
	case SHA256:
		return 64
	default:
		return 0
	}
}

// Valid reports whether d is a lowercase hex digest of a's width.
func (a Algorithm) Valid(d Digest) bool {
	if n := a.DigestLen(); n == 0 || len(d) != n {
		return false
	}
	for _, c := range []byte(d) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Hasher computes file digests and directory aggregate digests.
// It holds no mutable state and is safe for concurrent use.
type Hasher struct {
	alg     Algorithm
	newFunc func() stdhash.Hash
	retries int
	backoff time.Duration
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithRetries sets how many times a failed read is resumed. AutoRetries derives it from the file size.
func WithRetries(n int) Option {
	return func(h *Hasher) { h.retries = n }
}

// WithBackoff sets the pause before a read is resumed.
func WithBackoff(d time.Duration) Option {
	return func(h *Hasher) { h.backoff = d }
}

// New returns a Hasher for the given algorithm.
func New(alg Algorithm, opts ...Option) (*Hasher, error) {
	h := &Hasher{alg: alg, retries: AutoRetries, backoff: 2 * time.Second}
	switch alg {
	case XXH64:
		h.newFunc = func() stdhash.Hash { return xxhash.New() }
	case SHA256:
		h.newFunc = sha256.New
	default:
		return nil, errors.Errorf("unsupported hash algorithm: %s", alg)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Algorithm returns the digest function in use.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Reader digests everything read from r.
func (h *Hasher) Reader(r io.Reader) (Digest, error) {
	d := h.newFunc()
	buf := make([]byte, bufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.WithMessage(err, "failed to read content")
		}
	}

	return Digest(hex.EncodeToString(d.Sum(nil))), nil
}

// Bytes digests an in-memory buffer.
func (h *Hasher) Bytes(data []byte) Digest {
	d := h.newFunc()
	d.Write(data)
	return Digest(hex.EncodeToString(d.Sum(nil)))
}

// File digests the file at path. A failed read is resumed from the last
// offset after a back-off, up to the configured number of retries; missing
// files and permission errors are returned immediately.
func (h *Hasher) File(ctx context.Context, fsys billy.Filesystem, path string) (Digest, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return "", errors.WithMessage(err, "failed to open file")
	}

	retries := h.retries
	if retries < 0 {
		retries = 1
		if info, err := fsys.Stat(path); err == nil {
			retries += int(info.Size() >> 30)
		}
	}

	d := h.newFunc()
	buf := make([]byte, bufferSize)
	var position int64
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			file.Close()
			return "", err
		}

		n, err := file.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
			position += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err == nil {
			continue
		}

		file.Close()
		if attempt >= retries || !retryable(err) {
			return "", errors.WithMessagef(err, "failed to read file at offset %d", position)
		}
		attempt++

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(h.backoff):
		}

		if file, err = reopenAt(fsys, path, position); err != nil {
			return "", errors.WithMessagef(err, "failed to resume read at offset %d", position)
		}
	}

	file.Close()
	return Digest(hex.EncodeToString(d.Sum(nil))), nil
}

func reopenAt(fsys billy.Filesystem, path string, offset int64) (billy.File, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func retryable(err error) bool {
	return !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission)
}

// Sum is the raw digest function; its signature matches go-merkletree's hash function type.
func (h *Hasher) Sum(data []byte) ([]byte, error) {
	d := h.newFunc()
	d.Write(data)
	return d.Sum(nil), nil
}

// Pair is one immediate child of a directory: its name and its digest.
type Pair struct {
	Name   string
	Digest Digest
}

type leafBlock []byte

func (b leafBlock) Serialize() ([]byte, error) { return b, nil }

// Aggregate computes a directory digest as the Merkle root over its children's
// (name, digest) pairs in name order. Zero and one child are hashed directly
// under distinct tags, since a Merkle tree needs at least two leaves.
func (h *Hasher) Aggregate(children []Pair) (Digest, error) {
	sorted := slices.Clone(children)
	slices.SortFunc(sorted, func(a, b Pair) int { return strings.Compare(a.Name, b.Name) })

	var root []byte
	switch len(sorted) {
	case 0:
		root, _ = h.Sum(emptyTreeTag)
	case 1:
		root, _ = h.Sum(append(slices.Clone(singleTag), encodePair(sorted[0])...))
	default:
		blocks := make([]mt.DataBlock, len(sorted))
		for i, p := range sorted {
			blocks[i] = leafBlock(encodePair(p))
		}
		tree, err := mt.New(&mt.Config{
			HashFunc: h.Sum,
			Mode:     mt.ModeTreeBuild,
		}, blocks)
		if err != nil {
			return "", errors.WithMessage(err, "failed to build merkle tree")
		}
		root = tree.Root
	}

	return Digest(hex.EncodeToString(root)), nil
}

// encodePair serialises a pair as uvarint(len(name)) || name || digest bytes.
func encodePair(p Pair) []byte {
	raw, err := hex.DecodeString(string(p.Digest))
	if err != nil {
		raw = []byte(p.Digest)
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(p.Name)+len(raw))
	buf = binary.AppendUvarint(buf, uint64(len(p.Name)))
	buf = append(buf, p.Name...)
	return append(buf, raw...)
}
