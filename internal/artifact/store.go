// Package artifact stores retrieved register documents addressed by their SHA-256 hash.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

// ContentType is attached to every stored document.
const ContentType = "application/pdf"

var validHash = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidHash reports whether hash is a lowercase hex SHA-256 digest.
func ValidHash(hash string) bool {
	return validHash.MatchString(hash)
}

// Store commits documents to a BlobStore under <prefix>/<hash>.pdf.
type Store struct {
	blobs  lookup.BlobStore
	hasher lookup.Hasher
	prefix string
	logger *zap.Logger
}

// New constructs a Store. prefix may be empty.
func New(blobs lookup.BlobStore, hasher lookup.Hasher, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, hasher: hasher, prefix: prefix, logger: logger}
}

// Put stores data and returns its hash. Content already present is not rewritten.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", lookup.NewError(lookup.KindProviderError, "put artifact", fmt.Errorf("empty document"))
	}
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	key := s.key(hash)
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check document %s: %w", hash, err)
	}
	if exists {
		s.logger.Debug("document already stored", zap.String("hash", hash))
		return hash, nil
	}
	uri, err := s.blobs.PutObject(ctx, key, ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store document %s: %w", hash, err)
	}
	s.logger.Info("document stored", zap.String("hash", hash), zap.String("uri", uri), zap.Int("bytes", len(data)))
	return hash, nil
}

// Get returns the document bytes for hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, lookup.NewError(lookup.KindBadRequest, "get artifact", fmt.Errorf("invalid document id %q", hash))
	}
	data, err := s.blobs.GetObject(ctx, s.key(hash))
	if err != nil {
		if lookup.KindOf(err) == lookup.KindNotFound {
			return nil, lookup.NewError(lookup.KindNotFound, "get artifact", err)
		}
		return nil, fmt.Errorf("load document %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether a document with hash is stored.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, lookup.NewError(lookup.KindBadRequest, "stat artifact", fmt.Errorf("invalid document id %q", hash))
	}
	ok, err := s.blobs.Exists(ctx, s.key(hash))
	if err != nil {
		return false, fmt.Errorf("check document %s: %w", hash, err)
	}
	return ok, nil
}

func (s *Store) key(hash string) string {
	return path.Join(s.prefix, hash+".pdf")
}
