package geo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands. Coordinates live in one
// geo set keyed by station id; the full station document is stored alongside
// as JSON so Nearby can return complete candidates.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(s models.FuelStation) {
	s.Updated = time.Now()
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: s.Location.Lng, Latitude: s.Location.Lat, Name: s.ID}).Result()
	if b, err := json.Marshal(s); err == nil {
		_ = r.client.Set(r.ctx, metaKey(s.ID), b, 0).Err()
	}
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Nearby(lat, lng float64, limit int) []Near {
	res, err := r.client.GeoRadius(r.ctx, r.key, lng, lat, &redis.GeoRadiusQuery{Radius: 50, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]Near, 0, len(res))
	for _, g := range res {
		s := models.FuelStation{ID: g.Name}
		s.Location.Lat = g.Latitude
		s.Location.Lng = g.Longitude
		if raw, err := r.client.Get(r.ctx, metaKey(g.Name)).Bytes(); err == nil {
			_ = json.Unmarshal(raw, &s)
		}
		out = append(out, Near{Station: s, DistanceKm: g.Dist})
	}
	return out
}

func metaKey(id string) string { return "station:meta:" + id }
