package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedisStore_PutGetRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	env := realEnv("PP_2025-09-03", 900, now)

	if err := rs.Put(ctx, "fp-1", env, now.Add(15*time.Minute)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := rs.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Meta.PricingPackID != "PP_2025-09-03" || got.Meta.Status != provenance.StatusReal {
		t.Errorf("round trip lost provenance: %+v", got.Meta)
	}
}

func TestRedisStore_MissOnAbsent(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	_, ok, err := rs.Get(context.Background(), "fp-missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected miss")
	}
}

func TestRedisStore_PastExpiryNotWritten(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	ctx := context.Background()
	env := realEnv("PP_2025-09-03", 900, time.Now().UTC())

	if err := rs.Put(ctx, "fp-old", env, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, _ := rs.Get(ctx, "fp-old"); ok {
		t.Error("entries past expiry must not be written")
	}
}

func TestRedisStore_ExpiresServerSide(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	ctx := context.Background()
	env := realEnv("PP_2025-09-03", 900, time.Now().UTC())

	if err := rs.Put(ctx, "fp-1", env, time.Now().Add(30*time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mr.FastForward(time.Minute)

	if _, ok, _ := rs.Get(ctx, "fp-1"); ok {
		t.Error("redis-side TTL should have expired the entry")
	}
}

func TestRedisStore_InvalidateOtherPacks(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	ctx := context.Background()
	now := time.Now().UTC()
	expiry := now.Add(time.Hour)

	if err := rs.Put(ctx, "fp-a", realEnv("PP_2025-09-02", 900, now), expiry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rs.Put(ctx, "fp-b", realEnv("PP_2025-09-02", 900, now), expiry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rs.Put(ctx, "fp-c", realEnv("PP_2025-09-03", 900, now), expiry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Foreign keys outside the prefix are left alone.
	client.Set(ctx, "unrelated:key", "v", 0)

	removed, err := rs.InvalidateOtherPacks(ctx, "PP_2025-09-03")
	if err != nil {
		t.Fatalf("InvalidateOtherPacks: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, ok, _ := rs.Get(ctx, "fp-c"); !ok {
		t.Error("active-pack entry must survive")
	}
	if v, _ := client.Get(ctx, "unrelated:key").Result(); v != "v" {
		t.Error("keys outside the cache prefix must not be touched")
	}
}

func TestRedisStore_CorruptValueDropped(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	rs := NewRedisStore(client, "", testLogger())
	ctx := context.Background()

	client.Set(ctx, defaultKeyPrefix+":fp-bad", "{not json", 0)

	_, ok, err := rs.Get(ctx, "fp-bad")
	if err == nil {
		t.Fatal("corrupt value should surface an error")
	}
	if ok {
		t.Error("corrupt value must not serve")
	}
	if n, _ := client.Exists(ctx, defaultKeyPrefix+":fp-bad").Result(); n != 0 {
		t.Error("corrupt value should be deleted")
	}
}

func TestGroup_ReadThroughAndWriteThrough(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	rs := NewRedisStore(client, "", testLogger())

	// First replica fills both levels.
	g1 := NewGroup(NewStore(16, testLogger()), testLogger()).WithSecondLevel(rs)
	_, err := g1.Do(ctx, "fp-shared", func(ctx context.Context) (provenance.Envelope, error) {
		return realEnv("PP_2025-09-03", 900, now), nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Second replica has a cold local store and must not re-produce.
	g2 := NewGroup(NewStore(16, testLogger()), testLogger()).WithSecondLevel(rs)
	env, err := g2.Do(ctx, "fp-shared", func(ctx context.Context) (provenance.Envelope, error) {
		t.Error("producer must not run when the second level has the fill")
		return provenance.Envelope{}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if env.Meta.PricingPackID != "PP_2025-09-03" {
		t.Errorf("unexpected envelope from second level: %+v", env.Meta)
	}

	// The second-level hit is promoted into g2's local store.
	if _, ok := g2.Store().Get("fp-shared"); !ok {
		t.Error("second-level hits should be promoted locally")
	}
}
