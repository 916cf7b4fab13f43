package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/activebrainatlas/statelink/internal/session"
)

const redisKeyPrefix = "statelink"

// RedisChannel mirrors session records and presence through redis: the
// current values live in plain keys and hashes, change notification
// goes through pub/sub channels.
type RedisChannel struct {
	client *redis.Client
	logger Logger
}

func NewRedisChannel(client *redis.Client, logger Logger) (*RedisChannel, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisChannel{client: client, logger: logger}, nil
}

func redisDocKey(sessionID int64) string {
	return fmt.Sprintf("%s:doc:%d", redisKeyPrefix, sessionID)
}

func redisPresenceKey(sessionID int64) string {
	return fmt.Sprintf("%s:presence:%d", redisKeyPrefix, sessionID)
}

func (c *RedisChannel) ReadDocument(ctx context.Context, sessionID int64) (session.Record, bool, error) {
	payload, err := c.client.Get(ctx, redisDocKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return session.Record{}, false, nil
	}
	if err != nil {
		return session.Record{}, false, err
	}
	var record session.Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return session.Record{}, false, err
	}
	return record, true, nil
}

func (c *RedisChannel) SubscribeDocument(ctx context.Context, sessionID int64, fn func(session.Record)) (Subscription, error) {
	record, present, err := c.ReadDocument(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pubsub := c.client.Subscribe(ctx, redisDocKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	if present {
		fn(record)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var record session.Record
			if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
				c.logf("dropping malformed document notification: %v", err)
				continue
			}
			fn(record)
		}
	}()
	return &funcSubscription{close: func() { _ = pubsub.Close() }}, nil
}

func (c *RedisChannel) PublishDocument(ctx context.Context, sessionID int64, record session.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := redisDocKey(sessionID)
	if err := c.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, key, payload).Err()
}

func (c *RedisChannel) ReadPresence(ctx context.Context, sessionID int64) (map[int64]PresenceEntry, error) {
	fields, err := c.client.HGetAll(ctx, redisPresenceKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make(map[int64]PresenceEntry, len(fields))
	for field, payload := range fields {
		userID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		entries[userID] = entry
	}
	return entries, nil
}

func (c *RedisChannel) PublishPresence(ctx context.Context, sessionID int64, userID int64, entry PresenceEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := redisPresenceKey(sessionID)
	if err := c.client.HSet(ctx, key, strconv.FormatInt(userID, 10), payload).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, key, "changed").Err()
}

func (c *RedisChannel) RemovePresence(ctx context.Context, sessionID int64, userID int64) error {
	key := redisPresenceKey(sessionID)
	if err := c.client.HDel(ctx, key, strconv.FormatInt(userID, 10)).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, key, "changed").Err()
}

func (c *RedisChannel) SubscribePresence(ctx context.Context, sessionID int64, fn func(map[int64]PresenceEntry)) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, redisPresenceKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	go func() {
		for range pubsub.Channel() {
			entries, err := c.ReadPresence(context.Background(), sessionID)
			if err != nil {
				c.logf("failed to read presence after notification: %v", err)
				continue
			}
			fn(entries)
		}
	}()
	return &funcSubscription{close: func() { _ = pubsub.Close() }}, nil
}

func (c *RedisChannel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
