package rawstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grantflow/harvest-cli/internal/model"
)

// ResponseStore is the slice of the store the recorder needs.
type ResponseStore interface {
	SaveRawResponse(ctx context.Context, raw *model.RawResponse) (*model.RawResponse, error)
}

// Canonical serializes v as JSON with object keys sorted at every nesting
// level, so payloads that differ only in key order produce identical bytes.
// Numbers keep their original literal form.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "rawstore: marshal content")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, eris.Wrap(err, "rawstore: normalize content")
	}

	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, eris.Wrap(err, "rawstore: marshal canonical form")
	}
	return out, nil
}

// Hash returns the hex SHA-256 of v's canonical JSON form. Two responses
// with the same content hash the same regardless of key order, which is
// what makes the raw response cache content-addressed.
func Hash(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder persists raw API responses with content-addressed dedup.
type Recorder struct {
	store ResponseStore
}

func New(store ResponseStore) *Recorder {
	return &Recorder{store: store}
}

// Record stores the response and returns the surviving row: a repeat payload
// comes back with the original identity and a bumped call count.
//
// Recording is bookkeeping, not pipeline data, so it never fails the run. A
// hashing or storage error is logged and a synthetic row returned in its
// place.
func (r *Recorder) Record(ctx context.Context, raw *model.RawResponse) *model.RawResponse {
	if raw.ContentHash == "" {
		hash, err := Hash(raw.Content)
		if err != nil {
			zap.L().Warn("raw response content not hashable, storing as unique",
				zap.String("source_id", raw.SourceID),
				zap.Error(err))
			hash = "unhashed-" + uuid.New().String()
		}
		raw.ContentHash = hash
	}

	saved, err := r.store.SaveRawResponse(ctx, raw)
	if err != nil {
		zap.L().Warn("raw response persistence failed, continuing with synthetic id",
			zap.String("source_id", raw.SourceID),
			zap.String("content_hash", raw.ContentHash),
			zap.Error(err))
		if raw.ID == "" {
			raw.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		raw.FirstSeenAt = now
		raw.LastSeenAt = now
		raw.CallCount = 1
		return raw
	}
	return saved
}
