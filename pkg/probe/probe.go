// Package probe checks that an HTTP test target is reachable, waiting for
// it with a bounded exponential backoff instead of polling forever.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRetryMax is the number of retries of a single Get
	DefaultRetryMax = 3
	// maxBody is the maximum size of a response body read by Get
	maxBody = 1 << 20
)

// ErrNotReady is returned when the target did not answer before the timeout
var ErrNotReady = errors.New("target not ready")

// Option configures a Prober
type Option func(*Prober)

// WithRetryMax sets the number of retries of a single Get
func WithRetryMax(n int) Option {
	return func(p *Prober) {
		p.client.RetryMax = n
	}
}

// WithTransport sets the transport of the prober, for example one that
// dials from inside a network namespace
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Prober) {
		p.client.HTTPClient.Transport = rt
		p.once.HTTPClient.Transport = rt
	}
}

// WithRequestTimeout bounds a single request
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.client.HTTPClient.Timeout = d
		p.once.HTTPClient.Timeout = d
	}
}

// Prober issues requests against a test target
type Prober struct {
	client *retryablehttp.Client
	// once never retries, WaitReady does its own backoff
	once *retryablehttp.Client
}

func newClient(retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = logger{}
	return c
}

// New creates a prober
func New(opts ...Option) *Prober {
	p := &Prober{
		client: newClient(DefaultRetryMax),
		once:   newClient(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get fetches url and returns the response body. Any status other than
// 2xx is an error
func (p *Prober) Get(ctx context.Context, url string) (string, error) {
	return get(ctx, p.client, url)
}

func get(ctx context.Context, client *retryablehttp.Client, url string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	response, err := client.StandardClient().Do(request)
	if err != nil {
		return "", errors.Wrapf(err, "error calling %s", url)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBody))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read response of %s", url)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return string(body), fmt.Errorf("got unexpected http code '%s' from %s", response.Status, url)
	}
	return string(body), nil
}

// WaitReady waits until url answers with a 2xx status. It gives up with
// ErrNotReady after timeout, or when ctx is done
func (p *Prober) WaitReady(ctx context.Context, url string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 50 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	exp.MaxElapsedTime = timeout
	bo := backoff.WithContext(exp, waitCtx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		_, err := get(waitCtx, p.once, url)
		return err
	}, bo, func(err error, d time.Duration) {
		log.Debug().Err(err).Str("url", url).Str("sleep", d.String()).Msg("target not ready")
	})

	if err == nil {
		log.Info().Str("url", url).Int("attempts", attempts).Msg("target ready")
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "waiting for %s", url)
	}
	return errors.Wrapf(ErrNotReady, "%s after %s (%d attempts): %s", url, timeout, attempts, err)
}

// WaitReady waits for url with a default prober
func WaitReady(ctx context.Context, url string, timeout time.Duration) error {
	return New().WaitReady(ctx, url, timeout)
}

// logger forwards the retryablehttp logs to zerolog
type logger struct{}

var _ retryablehttp.LeveledLogger = logger{}

func (logger) Error(msg string, kv ...interface{}) { log.Error().Fields(kv).Msg(msg) }
func (logger) Info(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }
func (logger) Debug(msg string, kv ...interface{}) { log.Trace().Fields(kv).Msg(msg) }
func (logger) Warn(msg string, kv ...interface{})  { log.Warn().Fields(kv).Msg(msg) }
