package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/takarun/takaledger/internal/domain"
)

func (s *Store) TryAcquire(_ context.Context, lockID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.nonce.LockID != "" && now.Before(s.nonce.LockExpiry) {
		return false, nil
	}
	s.nonce.LockID = lockID
	s.nonce.LockExpiry = now.Add(ttl)
	return true, nil
}

func (s *Store) Release(_ context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonce.LockID == lockID {
		s.nonce.LockID = ""
		s.nonce.LockExpiry = time.Time{}
	}
	return nil
}

func (s *Store) StoredNonce(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce.Nonce, nil
}

func (s *Store) StoreNonce(_ context.Context, lockID string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonce.LockID != lockID {
		return fmt.Errorf("memory: store nonce: %w", domain.ErrLockHeld)
	}
	if next > s.nonce.Nonce {
		s.nonce.Nonce = next
	}
	return nil
}

// NonceLock returns the current lock row.
func (s *Store) NonceLock() domain.NonceLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

func (s *Store) GetWallet(_ context.Context, uid string) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.wallets[uid]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("memory: wallet %s: %w", uid, domain.ErrNotFound)
	}
	return w, nil
}

func (s *Store) CreateWallet(_ context.Context, w domain.Wallet) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.st.wallets[w.UID]; ok {
		return existing, nil
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	s.st.wallets[w.UID] = w
	if a, ok := s.st.accounts[w.UID]; ok {
		a.WalletAddress = w.Address
		s.st.accounts[w.UID] = a
	}
	return w, nil
}

func (s *Store) SetEncryptedKey(_ context.Context, uid, encrypted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.wallets[uid]
	if !ok {
		return fmt.Errorf("memory: wallet %s: %w", uid, domain.ErrNotFound)
	}
	w.EncryptedPrivateKey = encrypted
	s.st.wallets[uid] = w
	return nil
}

func (s *Store) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[key]
	if !ok {
		return "", fmt.Errorf("memory: config %s: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

func (s *Store) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(_ context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if event != "" && e.Event != event {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

// Tracks is an in-memory domain.TrackStore.
type Tracks struct {
	mu     sync.Mutex
	tracks map[string][]domain.GPSPoint
}

// NewTracks returns an empty Tracks.
func NewTracks() *Tracks {
	return &Tracks{tracks: map[string][]domain.GPSPoint{}}
}

func (t *Tracks) PutTrack(_ context.Context, userID, activityID string, points []domain.GPSPoint) (string, error) {
	key := domain.TrackKey(userID, activityID)
	t.mu.Lock()
	t.tracks[key] = append([]domain.GPSPoint(nil), points...)
	t.mu.Unlock()
	return key, nil
}

func (t *Tracks) GetTrack(_ context.Context, key string) ([]domain.GPSPoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pts, ok := t.tracks[key]
	if !ok {
		return nil, fmt.Errorf("memory: track %s: %w", key, domain.ErrNotFound)
	}
	return pts, nil
}

var _ domain.TrackStore = (*Tracks)(nil)
