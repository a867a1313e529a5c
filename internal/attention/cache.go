// Package attention implements the viewer attention tracker and its
// crash-survivable level cache.
package attention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsehub-systems/pulsehub-core/internal/models"
)

// Cache key layout. The cache outlives the tracker process: levels written
// here survive a tracker restart and keep serving readers during recovery.
const (
	keyPairPrefix   = "attn:pair:"   // attn:pair:<sensor>:<attr> -> cachedLevel JSON
	keySensorPrefix = "attn:sensor:" // attn:sensor:<sensor>      -> cachedLevel JSON
	keyBatteryPref  = "attn:battery:" // attn:battery:<user>      -> BatteryInfo JSON
	keyRestartCount = "attn:restart_count"
)

// cachedLevel is the stored form of a level entry.
type cachedLevel struct {
	Level     models.AttentionLevel `json:"level"`
	UpdatedAt int64                 `json:"updated_at"` // unix ms
}

// BatteryInfo is the reported battery state plus metadata for a user.
type BatteryInfo struct {
	State      models.BatteryState `json:"state"`
	Source     string              `json:"source,omitempty"`
	Percent    float64             `json:"level,omitempty"`
	ReportedAt int64               `json:"reported_at"` // unix ms
}

// PairEntry is one cached (sensor, attribute) level, surfaced for sweeps.
type PairEntry struct {
	Sensor    models.SensorID
	Attribute models.AttributeID
	Level     models.AttentionLevel
	UpdatedAt time.Time
}

// SensorEntry is one cached sensor-aggregate level.
type SensorEntry struct {
	Sensor    models.SensorID
	Level     models.AttentionLevel
	UpdatedAt time.Time
}

// LevelCache is the survivable backing store for attention levels. It is
// owned by the process supervisor, not the tracker: a tracker crash must not
// destroy it.
type LevelCache interface {
	SetPairLevel(ctx context.Context, sensor models.SensorID, attr models.AttributeID, level models.AttentionLevel) error
	PairLevel(ctx context.Context, sensor models.SensorID, attr models.AttributeID) (models.AttentionLevel, bool, error)
	DeletePair(ctx context.Context, sensor models.SensorID, attr models.AttributeID) error

	SetSensorLevel(ctx context.Context, sensor models.SensorID, level models.AttentionLevel) error
	SensorLevel(ctx context.Context, sensor models.SensorID) (models.AttentionLevel, bool, error)
	DeleteSensor(ctx context.Context, sensor models.SensorID) error

	PairEntries(ctx context.Context) ([]PairEntry, error)
	SensorEntries(ctx context.Context) ([]SensorEntry, error)

	SetBattery(ctx context.Context, user models.UserID, info BatteryInfo) error
	Battery(ctx context.Context, user models.UserID) (BatteryInfo, bool, error)

	IncrRestartCount(ctx context.Context) (int64, error)

	Clear(ctx context.Context) error
}

// RedisCache implements LevelCache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisCacheFromURL connects to Redis using a URL like
// redis://localhost:6379/0.
func NewRedisCacheFromURL(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func pairKeyFor(sensor models.SensorID, attr models.AttributeID) string {
	return keyPairPrefix + sensor + ":" + attr
}

func sensorKeyFor(sensor models.SensorID) string {
	return keySensorPrefix + sensor
}

func (c *RedisCache) setLevel(ctx context.Context, key string, level models.AttentionLevel) error {
	data, err := json.Marshal(cachedLevel{Level: level, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal level: %w", err)
	}
	if err := c.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) getLevel(ctx context.Context, key string) (models.AttentionLevel, bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return models.AttentionNone, false, nil
	}
	if err != nil {
		return models.AttentionNone, false, fmt.Errorf("get %s: %w", key, err)
	}
	var entry cachedLevel
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return models.AttentionNone, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return entry.Level, true, nil
}

// SetPairLevel stores the level for a (sensor, attribute) pair.
func (c *RedisCache) SetPairLevel(ctx context.Context, sensor models.SensorID, attr models.AttributeID, level models.AttentionLevel) error {
	return c.setLevel(ctx, pairKeyFor(sensor, attr), level)
}

// PairLevel reads the cached level for a pair.
func (c *RedisCache) PairLevel(ctx context.Context, sensor models.SensorID, attr models.AttributeID) (models.AttentionLevel, bool, error) {
	return c.getLevel(ctx, pairKeyFor(sensor, attr))
}

// DeletePair removes a pair entry.
func (c *RedisCache) DeletePair(ctx context.Context, sensor models.SensorID, attr models.AttributeID) error {
	return c.client.Del(ctx, pairKeyFor(sensor, attr)).Err()
}

// SetSensorLevel stores the aggregate level for a sensor.
func (c *RedisCache) SetSensorLevel(ctx context.Context, sensor models.SensorID, level models.AttentionLevel) error {
	return c.setLevel(ctx, sensorKeyFor(sensor), level)
}

// SensorLevel reads the cached aggregate level for a sensor.
func (c *RedisCache) SensorLevel(ctx context.Context, sensor models.SensorID) (models.AttentionLevel, bool, error) {
	return c.getLevel(ctx, sensorKeyFor(sensor))
}

// DeleteSensor removes a sensor aggregate entry.
func (c *RedisCache) DeleteSensor(ctx context.Context, sensor models.SensorID) error {
	return c.client.Del(ctx, sensorKeyFor(sensor)).Err()
}

// PairEntries enumerates all cached pair levels.
func (c *RedisCache) PairEntries(ctx context.Context) ([]PairEntry, error) {
	keys, err := c.scanKeys(ctx, keyPairPrefix+"*")
	if err != nil {
		return nil, err
	}

	entries := make([]PairEntry, 0, len(keys))
	for _, key := range keys {
		sensor, attr, ok := splitPairKey(key)
		if !ok {
			continue
		}
		data, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var entry cachedLevel
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries = append(entries, PairEntry{
			Sensor:    sensor,
			Attribute: attr,
			Level:     entry.Level,
			UpdatedAt: time.UnixMilli(entry.UpdatedAt),
		})
	}
	return entries, nil
}

// SensorEntries enumerates all cached sensor aggregate levels.
func (c *RedisCache) SensorEntries(ctx context.Context) ([]SensorEntry, error) {
	keys, err := c.scanKeys(ctx, keySensorPrefix+"*")
	if err != nil {
		return nil, err
	}

	entries := make([]SensorEntry, 0, len(keys))
	for _, key := range keys {
		data, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var entry cachedLevel
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries = append(entries, SensorEntry{
			Sensor:    key[len(keySensorPrefix):],
			Level:     entry.Level,
			UpdatedAt: time.UnixMilli(entry.UpdatedAt),
		})
	}
	return entries, nil
}

// SetBattery stores a user's battery state.
func (c *RedisCache) SetBattery(ctx context.Context, user models.UserID, info BatteryInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal battery: %w", err)
	}
	return c.client.Set(ctx, keyBatteryPref+user, data, 0).Err()
}

// Battery reads a user's battery state.
func (c *RedisCache) Battery(ctx context.Context, user models.UserID) (BatteryInfo, bool, error) {
	data, err := c.client.Get(ctx, keyBatteryPref+user).Result()
	if errors.Is(err, redis.Nil) {
		return BatteryInfo{}, false, nil
	}
	if err != nil {
		return BatteryInfo{}, false, fmt.Errorf("get battery: %w", err)
	}
	var info BatteryInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return BatteryInfo{}, false, fmt.Errorf("unmarshal battery: %w", err)
	}
	return info, true, nil
}

// IncrRestartCount bumps and returns the tracker restart counter. The
// counter lives in the cache so it survives restarts too.
func (c *RedisCache) IncrRestartCount(ctx context.Context) (int64, error) {
	return c.client.Incr(ctx, keyRestartCount).Result()
}

// Clear removes every attention key.
func (c *RedisCache) Clear(ctx context.Context) error {
	for _, pattern := range []string{keyPairPrefix + "*", keySensorPrefix + "*", keyBatteryPref + "*"} {
		keys, err := c.scanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del: %w", err)
			}
		}
	}
	return nil
}

func (c *RedisCache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// splitPairKey parses attn:pair:<sensor>:<attr>. Attribute ids may not
// contain ':'; sensor ids may, so the attribute is the last segment.
func splitPairKey(key string) (models.SensorID, models.AttributeID, bool) {
	rest := key[len(keyPairPrefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			if i == 0 || i == len(rest)-1 {
				return "", "", false
			}
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
