package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/fuel-dispatch/internal/assigncache"
	"github.com/example/fuel-dispatch/internal/ingest"
	"github.com/example/fuel-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total station event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "station-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "fuel-dispatch-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "stations_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	radapter := &redisAdapter{c: rc}

	// closed/stock-lost events also break cached assignments held by the
	// API server, so we post invalidations there when it is reachable
	apiURL := strings.TrimRight(os.Getenv("DISPATCH_API_URL"), "/")
	httpc := &http.Client{Timeout: 5 * time.Second}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var ev ingest.StationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Station.ID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if ev.Type == ingest.EventStationClosed || !ev.Station.Open {
			if err := removeStationWithRetry(ctx, radapter, geoKey, ev.Station.ID, 3, 200*time.Millisecond); err != nil {
				redisErrors.Inc()
				log.Printf("redis remove failed for station=%s: %v", ev.Station.ID, err)
				continue
			}
			redisUpdates.Inc()
			if apiURL != "" {
				if err := notifyInvalidation(ctx, httpc, apiURL, ev.Station.ID, assigncache.ReasonStationClosed); err != nil {
					log.Printf("cache invalidation failed for station=%s: %v", ev.Station.ID, err)
				}
			}
			continue
		}

		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, radapter, geoKey, ev.Station, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Printf("redis update failed for station=%s: %v", ev.Station.ID, err)
			continue
		}
		redisUpdates.Inc()
		if apiURL != "" && ev.Type == ingest.EventStockChanged {
			if err := notifyInvalidation(ctx, httpc, apiURL, ev.Station.ID, assigncache.ReasonStockLost); err != nil {
				log.Printf("cache invalidation failed for station=%s: %v", ev.Station.ID, err)
			}
		}
	}
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, geoKey, metaKey, id string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte) error {
	return r.c.Set(ctx, key, value, 0).Err()
}

func (r *redisAdapter) Remove(ctx context.Context, geoKey, metaKey, id string) error {
	if err := r.c.ZRem(ctx, geoKey, id).Err(); err != nil {
		return err
	}
	return r.c.Del(ctx, metaKey).Err()
}

// updateRedisWithRetry writes the station's geo position and JSON document
// with retry/backoff. Key layout matches the RedisGeo reader.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, s models.FuelStation, attempts int, delay time.Duration) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	for i := 0; i < attempts; i++ {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: s.Location.Lng, Latitude: s.Location.Lat, Name: s.ID}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := rc.Set(ctx, "station:meta:"+s.ID, doc); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

// notifyInvalidation tells the API server to drop cached assignments for
// the station. Best effort: entries also self-heal on staleness, so a
// failed post is logged and skipped.
func notifyInvalidation(ctx context.Context, client *http.Client, baseURL, stationID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/stations/"+stationID+"/cache-invalidate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("invalidate station %s: status %d", stationID, resp.StatusCode)
	}
	return nil
}

// removeStationWithRetry drops a closed station from the geo index.
func removeStationWithRetry(ctx context.Context, rc RedisUpdater, geoKey, id string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.Remove(ctx, geoKey, "station:meta:"+id, id); err == nil {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
