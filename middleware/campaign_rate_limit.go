package middleware

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"dripflow/utils"
)

// CampaignActionLimiter caps campaign mutations per workspace and route. A nil storage
// keeps the counters in memory.
func CampaignActionLimiter(max int, storage fiber.Storage) fiber.Handler {
	if max <= 0 {
		max = 30
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			workspaceID, _ := c.Locals("workspaceID").(uint)
			return utils.GenerateRateLimitKey(workspaceID, c.Params("id", c.Params("postId")), c.Route().Path)
		},
		LimitReached: func(c *fiber.Ctx) error {
			workspaceID, _ := c.Locals("workspaceID").(uint)
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"workspace_id": workspaceID,
				"endpoint":     c.Path(),
				"ip":           c.IP(),
			})

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Too many campaign actions. Please wait before trying again.",
				"retry_after": "1 minute",
			})
		},
		Storage: storage,
	})
}

const rateLimitPrefix = "ratelimit:"

// RedisStorage implements fiber.Storage on a shared Redis client. Keys are namespaced
// so Reset leaves the job queue alone.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), rateLimitPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	return r.client.Set(context.Background(), rateLimitPrefix+key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), rateLimitPrefix+key).Err()
}

func (r *RedisStorage) Reset() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, rateLimitPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close is a no-op; the client is owned by the caller
func (r *RedisStorage) Close() error {
	return nil
}
