package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/infra/storage"
)

type resource struct {
	snap    domain.ResourceSnapshot
	members map[string]time.Time
}

// MemoryStorage is an in-process backend. It enforces the same uniqueness
// rule as the sql schema and doubles as a change feed for its own membership writes.
type MemoryStorage struct {
	notifications []*domain.NotificationRecord
	resources     map[domain.ResourceID]*resource
	endpoints     map[string]domain.Endpoint
	subscribers   map[int]storage.ChangeHandler
	nextSub       int
	now           func() time.Time
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		resources:   make(map[domain.ResourceID]*resource),
		endpoints:   make(map[string]domain.Endpoint),
		subscribers: make(map[int]storage.ChangeHandler),
		now:         time.Now,
	}
}

// Store returns every repository backed by s.
func (s *MemoryStorage) Store() storage.Store {
	return storage.Store{
		Notifications: NewNotificationRepo(s),
		Resources:     NewResourceRepo(s),
		Endpoints:     NewEndpointRepo(s),
		Feed:          s,
	}
}

// -----------------------------------------------------------------------------
// Notification Repository
// -----------------------------------------------------------------------------

type NotificationRepo struct {
	store *MemoryStorage
}

func NewNotificationRepo(store *MemoryStorage) *NotificationRepo {
	return &NotificationRepo{store: store}
}

func (r *NotificationRepo) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, n := range r.store.notifications {
		if rec.ID != "" && n.ID == rec.ID {
			return fmt.Errorf("notification %s: %w", rec.ID, domain.ErrDuplicate)
		}
		if rec.Type == domain.NotificationTypeCapacityReached && n.Type == rec.Type && n.ResourceID == rec.ResourceID {
			return fmt.Errorf("capacity notification for %s: %w", rec.ResourceID, domain.ErrDuplicate)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.store.now()
	}
	cp := *rec
	cp.Data = maps.Clone(rec.Data)
	r.store.notifications = append(r.store.notifications, &cp)
	return nil
}

func (r *NotificationRepo) Get(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, n := range r.store.notifications {
		if n.ID == id {
			cp := *n
			cp.Data = maps.Clone(n.Data)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
}

func (r *NotificationRepo) ListResourceIDsByType(ctx context.Context, typ string) ([]domain.ResourceID, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	seen := make(map[domain.ResourceID]struct{})
	var ids []domain.ResourceID
	for _, n := range r.store.notifications {
		if n.Type != typ || n.ResourceID == "" {
			continue
		}
		if _, ok := seen[n.ResourceID]; ok {
			continue
		}
		seen[n.ResourceID] = struct{}{}
		ids = append(ids, n.ResourceID)
	}
	return ids, nil
}

func (r *NotificationRepo) ExistsForResource(ctx context.Context, id domain.ResourceID, typ string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, n := range r.store.notifications {
		if n.Type == typ && n.ResourceID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *NotificationRepo) DeleteReadOlderThan(ctx context.Context, cutoff time.Time, keepTypes []string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var deleted int64
	kept := r.store.notifications[:0]
	for _, n := range r.store.notifications {
		if n.ReadAt != nil && n.CreatedAt.Before(cutoff) && !slices.Contains(keepTypes, n.Type) {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	r.store.notifications = kept
	return deleted, nil
}

// All returns copies of every stored record in insertion order.
func (r *NotificationRepo) All() []domain.NotificationRecord {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]domain.NotificationRecord, 0, len(r.store.notifications))
	for _, n := range r.store.notifications {
		out = append(out, *n)
	}
	return out
}

// MarkRead sets ReadAt on the record with id.
func (r *NotificationRepo) MarkRead(id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, n := range r.store.notifications {
		if n.ID == id {
			n.ReadAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

// -----------------------------------------------------------------------------
// Resource Repository
// -----------------------------------------------------------------------------

type ResourceRepo struct {
	store *MemoryStorage
}

func NewResourceRepo(store *MemoryStorage) *ResourceRepo {
	return &ResourceRepo{store: store}
}

func (r *ResourceRepo) Snapshot(ctx context.Context, id domain.ResourceID) (*domain.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	res, ok := r.store.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	snap := res.snap
	snap.Count = len(res.members)
	return &snap, nil
}

func (r *ResourceRepo) ListOpen(ctx context.Context) ([]domain.ResourceID, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	now := r.store.now()
	var ids []domain.ResourceID
	for id, res := range r.store.resources {
		if res.snap.Expired(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// -----------------------------------------------------------------------------
// Endpoint Repository
// -----------------------------------------------------------------------------

type EndpointRepo struct {
	store *MemoryStorage
}

func NewEndpointRepo(store *MemoryStorage) *EndpointRepo {
	return &EndpointRepo{store: store}
}

func (r *EndpointRepo) ListByRecipient(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var eps []domain.Endpoint
	for _, ep := range r.store.endpoints {
		if ep.RecipientID == recipientID {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].CreatedAt.Equal(eps[j].CreatedAt) {
			return eps[i].ID < eps[j].ID
		}
		return eps[i].CreatedAt.Before(eps[j].CreatedAt)
	})
	return eps, nil
}

func (r *EndpointRepo) Register(ctx context.Context, ep *domain.Endpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = r.store.now()
	}
	r.store.endpoints[ep.Token] = *ep
	return nil
}

func (r *EndpointRepo) Remove(ctx context.Context, token string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.endpoints, token)
	return nil
}

// -----------------------------------------------------------------------------
// Membership and change feed
// -----------------------------------------------------------------------------

// PutResource creates or replaces a resource. Existing members are kept.
func (s *MemoryStorage) PutResource(snap domain.ResourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[snap.ID]
	if !ok {
		res = &resource{members: make(map[string]time.Time)}
		s.resources[snap.ID] = res
	}
	res.snap = snap
}

// AddMember inserts a membership row and publishes an INSERT change.
func (s *MemoryStorage) AddMember(id domain.ResourceID, memberID string) error {
	return s.mutate(id, memberID, domain.ChangeInsert)
}

// RemoveMember deletes a membership row and publishes a DELETE change.
func (s *MemoryStorage) RemoveMember(id domain.ResourceID, memberID string) error {
	return s.mutate(id, memberID, domain.ChangeDelete)
}

func (s *MemoryStorage) mutate(id domain.ResourceID, memberID string, typ domain.ChangeType) error {
	s.mu.Lock()
	res, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	now := s.now()
	if typ == domain.ChangeInsert {
		if _, exists := res.members[memberID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("member %s of %s: %w", memberID, id, domain.ErrDuplicate)
		}
		res.members[memberID] = now
	} else {
		delete(res.members, memberID)
	}
	handlers := slices.Collect(maps.Values(s.subscribers))
	s.mu.Unlock()

	change := domain.MembershipChange{ResourceID: id, Type: typ, MemberID: memberID, At: now}
	for _, h := range handlers {
		h(change)
	}
	return nil
}

// Subscribe implements storage.ChangeFeed. Handlers run synchronously on the writer's goroutine.
func (s *MemoryStorage) Subscribe(ctx context.Context, handle storage.ChangeHandler) (func(), error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = handle
	s.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, remove)
	unsubscribe := func() {
		stop()
		remove()
	}
	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions.
func (s *MemoryStorage) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
