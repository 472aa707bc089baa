package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freelance-dispatch/internal/models"
)

// RedisGeo implements Index with one GEO set per category. Offline
// freelancers are removed from the set so searches only see online ones.
type RedisGeo struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisGeo(client redis.UniversalClient, prefix string) *RedisGeo {
	return &RedisGeo{client: client, prefix: prefix}
}

func (r *RedisGeo) setKey(category string) string { return r.prefix + ":" + category }

func metaKey(id string) string { return "freelancer:meta:" + id }

func (r *RedisGeo) Upsert(ctx context.Context, f models.Freelancer) error {
	key := r.setKey(f.Category)
	if f.Online {
		if err := r.client.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: f.Loc.Lon, Latitude: f.Loc.Lat, Name: f.ID}).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", f.ID, err)
		}
	} else if err := r.client.ZRem(ctx, key, f.ID).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", f.ID, err)
	}
	updated := f.Updated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return r.client.HSet(ctx, metaKey(f.ID),
		"category", f.Category,
		"rating", strconv.FormatFloat(f.Rating, 'f', 2, 64),
		"online", strconv.FormatBool(f.Online),
		"updated", updated.Format(time.RFC3339),
	).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, category string, at models.Coord, radiusKm float64, limit int) ([]models.Candidate, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lon,
			Latitude:   at.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.setKey(category), q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", category, err)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, models.Candidate{
			FreelancerID: g.Name,
			Loc:          models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm:   g.Dist,
		})
	}
	return out, nil
}
