package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/takarun/takaledger/internal/domain"
)

// TrackStore implements domain.TrackStore, keeping each activity's GPS
// points as one JSON object under tracks/<uid>/<activity>.json.
type TrackStore struct {
	writer domain.ObjectWriter
	reader domain.ObjectReader
}

// NewTrackStore creates a TrackStore over the given blob reader and writer.
func NewTrackStore(writer domain.ObjectWriter, reader domain.ObjectReader) *TrackStore {
	return &TrackStore{writer: writer, reader: reader}
}

func (t *TrackStore) PutTrack(ctx context.Context, userID, activityID string, points []domain.GPSPoint) (string, error) {
	body, err := json.Marshal(points)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal track %s: %w", activityID, err)
	}
	key := domain.TrackKey(userID, activityID)
	if err := t.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (t *TrackStore) GetTrack(ctx context.Context, key string) ([]domain.GPSPoint, error) {
	rc, err := t.reader.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var points []domain.GPSPoint
	if err := json.NewDecoder(rc).Decode(&points); err != nil {
		return nil, fmt.Errorf("s3blob: decode track %s: %w", key, err)
	}
	return points, nil
}

var _ domain.TrackStore = (*TrackStore)(nil)
