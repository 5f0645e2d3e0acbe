package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/redis/go-redis/v9"
)

// redis-backed live-position channel: one pub/sub channel per document plus
// a keyed copy of the latest position so late subscribers can read current
// state. position keys expire on their own; the channel is advisory and a
// lost update is repaired by the next authoritative store write.

func DefaultRedisPresenceSettings() *RedisPresenceSettings {
	return &RedisPresenceSettings{
		PositionTtl:  30 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
}

type RedisPresenceSettings struct {
	PositionTtl  time.Duration
	WriteTimeout time.Duration
}

type RedisPresenceChannel struct {
	ctx context.Context

	client     *redis.Client
	documentId string

	settings *RedisPresenceSettings
}

func NewRedisPresenceChannelWithDefaults(
	ctx context.Context,
	client *redis.Client,
	documentId string,
) *RedisPresenceChannel {
	return NewRedisPresenceChannel(ctx, client, documentId, DefaultRedisPresenceSettings())
}

func NewRedisPresenceChannel(
	ctx context.Context,
	client *redis.Client,
	documentId string,
	settings *RedisPresenceSettings,
) *RedisPresenceChannel {
	return &RedisPresenceChannel{
		ctx:        ctx,
		client:     client,
		documentId: documentId,
		settings:   settings,
	}
}

func (self *RedisPresenceChannel) channelName() string {
	return fmt.Sprintf("board.%s.positions", self.documentId)
}

func (self *RedisPresenceChannel) positionKey(objectId string) string {
	return fmt.Sprintf("board:%s:pos:%s", self.documentId, objectId)
}

func (self *RedisPresenceChannel) SetPosition(ctx context.Context, update *PositionUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, self.settings.WriteTimeout)
	defer cancel()

	pipe := self.client.Pipeline()
	pipe.Set(writeCtx, self.positionKey(update.ObjectId), payload, self.settings.PositionTtl)
	pipe.Publish(writeCtx, self.channelName(), payload)
	_, err = pipe.Exec(writeCtx)
	return err
}

func (self *RedisPresenceChannel) DeletePosition(ctx context.Context, objectId string) error {
	tombstone := &PositionUpdate{
		ObjectId:   objectId,
		UpdateTime: time.Now().UTC(),
		Deleted:    true,
	}
	payload, err := json.Marshal(tombstone)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, self.settings.WriteTimeout)
	defer cancel()

	pipe := self.client.Pipeline()
	pipe.Del(writeCtx, self.positionKey(objectId))
	pipe.Publish(writeCtx, self.channelName(), payload)
	_, err = pipe.Exec(writeCtx)
	return err
}

func (self *RedisPresenceChannel) SubscribePositions(callback PositionFunction) func() {
	pubsub := self.client.Subscribe(self.ctx, self.channelName())

	go func() {
		for message := range pubsub.Channel() {
			var update PositionUpdate
			if err := json.Unmarshal([]byte(message.Payload), &update); err != nil {
				glog.Infof("[presence]malformed position payload: %s\n", err)
				continue
			}
			HandleError(func() {
				callback(&update)
			})
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			glog.Infof("[presence]unsubscribe: %s\n", err)
		}
	}
}
