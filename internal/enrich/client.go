// Package enrich joins reference data (names, quotes, sector) onto ranked instruments.
// The snapshot is fetched over HTTP behind a rate limiter and a circuit breaker and cached
// in Redis, so a ranking pass never blocks on a flaky upstream.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned when no reference URL is configured
var ErrDisabled = errors.New("enrichment disabled")

// Config configures the reference snapshot client
type Config struct {
	URL       string        `yaml:"url"`
	CodeField string        `yaml:"code_field"`
	Fields    []string      `yaml:"fields"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	RPS       float64       `yaml:"rps"`
	Burst     int           `yaml:"burst"`
	Redis     RedisConfig   `yaml:"redis"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the upstream circuit breaker
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// DefaultConfig returns conservative client settings
func DefaultConfig() Config {
	return Config{
		CodeField: "code",
		Timeout:   30 * time.Second,
		CacheTTL:  6 * time.Hour,
		RPS:       1,
		Burst:     1,
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             5 * time.Minute,
			ConsecutiveFailures: 3,
		},
	}
}

// CacheObserver counts cache outcomes
type CacheObserver interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const cacheType = "reference"

// Client fetches and caches the reference snapshot
type Client struct {
	config   Config
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	cache    Cache
	observer CacheObserver
	now      func() time.Time
}

// NewClient creates a client. cache and observer may be nil.
func NewClient(config Config, cache Cache, observer CacheObserver) *Client {
	def := DefaultConfig()
	if config.CodeField == "" {
		config.CodeField = def.CodeField
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RPS <= 0 {
		config.RPS = def.RPS
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.Breaker.ConsecutiveFailures == 0 {
		config.Breaker = def.Breaker
	}

	failures := config.Breaker.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        "reference",
		MaxRequests: config.Breaker.MaxRequests,
		Interval:    config.Breaker.Interval,
		Timeout:     config.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	}

	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RPS), config.Burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		cache:    cache,
		observer: observer,
		now:      time.Now,
	}
}

// Enrich returns reference columns keyed by instrument for the requested instruments
func (c *Client) Enrich(ctx context.Context, instruments []string) (map[string]map[string]string, error) {
	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(instruments))
	for _, inst := range instruments {
		if row, ok := snapshot[NormalizeCode(inst)]; ok {
			out[inst] = row
		}
	}
	return out, nil
}

// Snapshot returns the full reference table keyed by normalized code, from cache when fresh
func (c *Client) Snapshot(ctx context.Context) (map[string]map[string]string, error) {
	if c.config.URL == "" {
		return nil, ErrDisabled
	}

	key := "enrich:" + c.now().UTC().Format("20060102")
	if c.cache != nil {
		data, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("Reference cache unavailable")
		}
		if ok {
			var snap map[string]map[string]string
			if err := json.Unmarshal(data, &snap); err == nil {
				c.hit()
				return snap, nil
			}
		}
		c.miss()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("reference fetch: %w", err)
	}
	snap := result.(map[string]map[string]string)

	if c.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			if err := c.cache.Set(ctx, key, data, c.config.CacheTTL); err != nil {
				log.Warn().Err(err).Msg("Failed to cache reference snapshot")
			}
		}
	}
	return snap, nil
}

func (c *Client) fetch(ctx context.Context) (map[string]map[string]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rows []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}
	return c.index(rows), nil
}

func (c *Client) index(rows []map[string]interface{}) map[string]map[string]string {
	out := make(map[string]map[string]string, len(rows))
	for _, row := range rows {
		raw, ok := row[c.config.CodeField]
		if !ok {
			continue
		}
		code := NormalizeCode(stringify(raw))
		cols := make(map[string]string)
		for k, v := range row {
			if k == c.config.CodeField || !c.wanted(k) {
				continue
			}
			cols[k] = stringify(v)
		}
		out[code] = cols
	}
	return out
}

func (c *Client) wanted(field string) bool {
	if len(c.config.Fields) == 0 {
		return true
	}
	for _, f := range c.config.Fields {
		if f == field {
			return true
		}
	}
	return false
}

func (c *Client) hit() {
	if c.observer != nil {
		c.observer.RecordCacheHit(cacheType)
	}
}

func (c *Client) miss() {
	if c.observer != nil {
		c.observer.RecordCacheMiss(cacheType)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
