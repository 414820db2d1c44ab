package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"hastypaste/pkg/domain"
	"hastypaste/svc/util"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	metaSuffix = "__meta"
	htmlSuffix = "__html"
	rawSuffix  = "__raw"
)

type RedisOpts struct {
	URL      string
	Password string
	CACert   string
	// per operation deadline
	Timeout time.Duration
	// zero keeps keys until they are removed
	TTL             time.Duration
	ConnectAttempts uint
	RetryInterval   time.Duration
}

// Redis is a remote level storing each paste as three independent keys so a
// read only transfers the field it asks for. Failures after construction are
// returned to the Chain, which logs them and treats them as misses; a
// breaker turns a sustained outage into fast failures.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	ttl     time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewRedis connects and pings with exponential backoff. Running out of
// attempts is a configuration error and the process should not start.
func NewRedis(ctx context.Context, o RedisOpts) (*Redis, error) {
	opt, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, domain.NewOpError("parse redis url", domain.ErrConfig, err)
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if o.Password != "" {
		opt.Password = o.Password
	}
	if opt.TLSConfig != nil && o.CACert != "" {
		pool, err := loadCACert(o.CACert)
		if err != nil {
			return nil, domain.NewOpError("redis tls", domain.ErrConfig, err)
		}
		opt.TLSConfig.RootCAs = pool
		opt.TLSConfig.MinVersion = tls.VersionTLS12
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 6
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	r := &Redis{
		client:  redis.NewClient(opt),
		timeout: o.Timeout,
		ttl:     o.TTL,
		cb:      util.NewBreaker(util.DefaultBreakerOpts("redis_cache")),
	}
	if err := r.connect(ctx, o); err != nil {
		_ = r.client.Close()
		return nil, domain.NewOpError("connect redis", domain.ErrConfig, err)
	}
	util.Info().Str("url", util.RedactURL(o.URL)).Msg("redis cache connected")
	return r, nil
}
func loadCACert(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to append Redis CA cert to pool")
	}
	return pool, nil
}
func (r *Redis) connect(ctx context.Context, o RedisOpts) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryInterval
	b.MaxInterval = 10 * time.Second
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return struct{}{}, r.client.Ping(pctx).Err()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.ConnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			util.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("redis not reachable")
		}),
	)
	return err
}

func (r *Redis) Name() string { return "redis" }

// do runs fn under the op timeout and the breaker. A failure caused by the
// caller's own context is returned without counting against the breaker.
func (r *Redis) do(ctx context.Context, fn func(ctx context.Context) error) error {
	var callerErr error
	_, err := r.cb.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err := fn(opCtx)
		if err != nil && ctx.Err() != nil {
			callerErr = ctx.Err()
			return nil, nil
		}
		return nil, err
	})
	if callerErr != nil {
		return callerErr
	}
	return err
}
func (r *Redis) get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := r.do(ctx, func(ctx context.Context) error {
		b, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if b == nil {
			b = []byte{}
		}
		val, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	return val, found, nil
}

func (r *Redis) Push(ctx context.Context, id string, f Fields) error {
	if f.Empty() {
		return nil
	}
	var meta []byte
	if f.Meta != nil {
		var err error
		if meta, err = domain.EncodeMeta(f.Meta); err != nil {
			return errors.Wrap(err, "encode meta")
		}
	}
	err := r.do(ctx, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if meta != nil {
				p.Set(ctx, id+metaSuffix, meta, r.ttl)
			}
			if f.HTML != nil {
				p.Set(ctx, id+htmlSuffix, *f.HTML, r.ttl)
			}
			if f.Raw != nil {
				p.Set(ctx, id+rawSuffix, f.Raw, r.ttl)
			}
			return nil
		})
		return err
	})
	return errors.Wrap(err, "redis push")
}
func (r *Redis) Meta(ctx context.Context, id string) (*domain.PasteMeta, bool, error) {
	b, ok, err := r.get(ctx, id+metaSuffix)
	if err != nil || !ok {
		return nil, false, err
	}
	m, err := domain.DecodeMeta(b)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
func (r *Redis) Rendered(ctx context.Context, id string) (string, bool, error) {
	b, ok, err := r.get(ctx, id+htmlSuffix)
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}
func (r *Redis) Raw(ctx context.Context, id string) ([]byte, bool, error) {
	return r.get(ctx, id+rawSuffix)
}
func (r *Redis) Remove(ctx context.Context, id string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, id+metaSuffix, id+htmlSuffix, id+rawSuffix).Err()
	})
	return errors.Wrap(err, "redis remove")
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}
func (r *Redis) Close() error {
	return r.client.Close()
}
