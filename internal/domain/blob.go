package domain

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is one entry of a bucket listing.
type ObjectInfo struct {
	Key        string
	Size       int64
	ETag       string
	ModifiedAt time.Time
}

type ObjectWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
	// PutMultipart uploads in parts of at least partSize bytes.
	PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error
}

// ObjectReader reads objects back. Get returns ErrNotFound for a missing key.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// TrackStore keeps the raw GPS track of each submitted activity.
type TrackStore interface {
	PutTrack(ctx context.Context, userID, activityID string, points []GPSPoint) (key string, err error)
	GetTrack(ctx context.Context, key string) ([]GPSPoint, error)
}

// Archiver moves audit rows and settled mirror jobs older than before out
// of the database. Both report how many rows were archived.
type Archiver interface {
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
	ArchiveMirrorJobs(ctx context.Context, before time.Time) (int64, error)
}

const ArchivePrefix = "archive/"

// TrackKey is the object key of an activity's GPS track.
func TrackKey(userID, activityID string) string {
	return "tracks/" + userID + "/" + activityID + ".json"
}
