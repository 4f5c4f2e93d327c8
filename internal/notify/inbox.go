package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
)

const (
	inboxSize = 50
	inboxTTL  = 30 * 24 * time.Hour
)

// Inbox stores recent in-app notifications per user and streams new ones.
type Inbox interface {
	Notify(ctx context.Context, n appointment.Notification) error
	Recent(ctx context.Context, userID uuid.UUID, limit int) ([]appointment.Notification, error)
	// MarkRead flags one of the user's own notifications as read. Anything
	// not in that user's inbox is appointment.ErrNotificationNotFound.
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*appointment.Notification, error)
	// Subscribe delivers notifications published after it returns. The
	// channel is closed once ctx is done or the returned stop func is called.
	Subscribe(ctx context.Context, userID uuid.UUID) (<-chan appointment.Notification, func(), error)
}

func InboxKey(userID uuid.UUID) string {
	return "notifications:inbox:" + userID.String()
}

// ReadKey holds the ids of the user's notifications that were read. List
// entries are never rewritten, so the flag lives beside them.
func ReadKey(userID uuid.UUID) string {
	return "notifications:read:" + userID.String()
}

func ChannelName(userID uuid.UUID) string {
	return "notifications:" + userID.String()
}

// RedisInbox keeps a capped list per user and fans new notifications out
// over Redis pub/sub, so every API instance can serve the live stream.
type RedisInbox struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisInbox(client *redis.Client, logger *zap.Logger) *RedisInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisInbox{client: client, logger: logger}
}

func (r *RedisInbox) Notify(ctx context.Context, n appointment.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	key := InboxKey(n.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, inboxSize-1)
		pipe.Expire(ctx, key, inboxTTL)
		pipe.Publish(ctx, ChannelName(n.UserID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	return nil
}

func (r *RedisInbox) Recent(ctx context.Context, userID uuid.UUID, limit int) ([]appointment.Notification, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}
	return r.load(ctx, userID, int64(limit-1))
}

// load decodes the inbox head up to index stop and applies read flags.
func (r *RedisInbox) load(ctx context.Context, userID uuid.UUID, stop int64) ([]appointment.Notification, error) {
	var (
		items *redis.StringSliceCmd
		read  *redis.StringSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, InboxKey(userID), 0, stop)
		read = pipe.SMembers(ctx, ReadKey(userID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}

	readIDs := make(map[string]struct{}, len(read.Val()))
	for _, id := range read.Val() {
		readIDs[id] = struct{}{}
	}

	out := make([]appointment.Notification, 0, len(items.Val()))
	for _, item := range items.Val() {
		var n appointment.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			r.logger.Warn("skipping undecodable notification", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		_, n.IsRead = readIDs[n.ID.String()]
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisInbox) MarkRead(ctx context.Context, userID, id uuid.UUID) (*appointment.Notification, error) {
	list, err := r.load(ctx, userID, inboxSize-1)
	if err != nil {
		return nil, err
	}
	for _, n := range list {
		if n.ID != id {
			continue
		}
		key := ReadKey(userID)
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, id.String())
			pipe.Expire(ctx, key, inboxTTL)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("mark notification read: %w", err)
		}
		n.IsRead = true
		return &n, nil
	}
	return nil, appointment.ErrNotificationNotFound
}

func (r *RedisInbox) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan appointment.Notification, func(), error) {
	pubsub := r.client.Subscribe(ctx, ChannelName(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe notifications: %w", err)
	}

	out := make(chan appointment.Notification, 16)
	var once sync.Once
	stop := func() { once.Do(func() { _ = pubsub.Close() }) }

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n appointment.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.logger.Warn("dropping undecodable notification", zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					stop()
					return
				}
			}
		}
	}()

	return out, stop, nil
}

// MemoryInbox is the single-process Inbox used without Redis.
type MemoryInbox struct {
	mu     sync.Mutex
	lists  map[uuid.UUID][]appointment.Notification
	subs   map[uuid.UUID]map[int]chan appointment.Notification
	nextID int
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		lists: make(map[uuid.UUID][]appointment.Notification),
		subs:  make(map[uuid.UUID]map[int]chan appointment.Notification),
	}
}

func (m *MemoryInbox) Notify(_ context.Context, n appointment.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]appointment.Notification{n}, m.lists[n.UserID]...)
	if len(list) > inboxSize {
		list = list[:inboxSize]
	}
	m.lists[n.UserID] = list

	for _, ch := range m.subs[n.UserID] {
		select {
		case ch <- n:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

func (m *MemoryInbox) Recent(_ context.Context, userID uuid.UUID, limit int) ([]appointment.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[userID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]appointment.Notification, limit)
	copy(out, list[:limit])
	return out, nil
}

func (m *MemoryInbox) MarkRead(_ context.Context, userID, id uuid.UUID) (*appointment.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].IsRead = true
			n := list[i]
			return &n, nil
		}
	}
	return nil, appointment.ErrNotificationNotFound
}

func (m *MemoryInbox) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan appointment.Notification, func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan appointment.Notification, 16)
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]chan appointment.Notification)
	}
	m.subs[userID][id] = ch
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[userID], id)
			close(ch)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()

	return ch, stop, nil
}
