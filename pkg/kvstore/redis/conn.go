// Package redis implements kvstore.Conn on top of go-redis.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

const (
	// scanCount is the COUNT hint for each SCAN page.
	scanCount = 1000

	// monitorBuffer is the channel capacity for MONITOR lines.
	monitorBuffer = 256

	defaultDialTimeout = 5 * time.Second
)

// Dialer opens go-redis clients for profiles.
type Dialer struct {
	// DialTimeout bounds connection establishment. Zero uses a 5s default.
	DialTimeout time.Duration

	// PoolSize is passed through to go-redis. Zero uses the library default.
	PoolSize int
}

// NewDialer creates a Dialer.
func NewDialer(dialTimeout time.Duration, poolSize int) *Dialer {
	return &Dialer{DialTimeout: dialTimeout, PoolSize: poolSize}
}

// Dial connects to the profile's server and confirms it answers PING.
func (d *Dialer) Dial(ctx context.Context, p kvstore.Profile) (kvstore.Conn, error) {
	opts := d.options(p)
	conn, err := open(ctx, opts)
	if err != nil {
		return nil, &kvstore.ConnectionError{ProfileID: p.ID, Addr: opts.Addr, Err: err}
	}
	return conn, nil
}

func (d *Dialer) options(p kvstore.Profile) *goredis.Options {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	opts := &goredis.Options{
		Addr:        p.Addr(),
		Username:    p.Username,
		Password:    p.Password,
		DB:          p.DB,
		DialTimeout: timeout,
		PoolSize:    d.PoolSize,
	}
	if p.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: p.Host,
		}
	}
	return opts
}

func open(ctx context.Context, opts *goredis.Options) (*Conn, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Conn{client: client, opts: opts}, nil
}

// Conn is a kvstore.Conn backed by a pooled go-redis client, so it can be
// shared by concurrent callers.
type Conn struct {
	client *goredis.Client
	opts   *goredis.Options
}

// NewConn wraps an existing client. The Conn takes ownership of client.
func NewConn(client *goredis.Client) *Conn {
	return &Conn{client: client, opts: client.Options()}
}

// Ping implements kvstore.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so the server is never blocked by KEYS.
func (c *Conn) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := c.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning keys: %w", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return dedupe(keys), nil
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Type implements kvstore.Conn.
func (c *Conn) Type(ctx context.Context, key string) (kvstore.KeyType, error) {
	t, err := c.client.Type(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("type %s: %w", key, err)
	}
	return kvstore.KeyType(t), nil
}

// TTL implements kvstore.Conn. go-redis reports the -1/-2 sentinels as raw
// nanosecond durations.
func (c *Conn) TTL(ctx context.Context, key string) (int64, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

// Size implements kvstore.Conn.
func (c *Conn) Size(ctx context.Context, key string, t kvstore.KeyType) (int64, error) {
	var cmd *goredis.IntCmd
	switch t {
	case kvstore.TypeString:
		cmd = c.client.StrLen(ctx, key)
	case kvstore.TypeHash:
		cmd = c.client.HLen(ctx, key)
	case kvstore.TypeList:
		cmd = c.client.LLen(ctx, key)
	case kvstore.TypeSet:
		cmd = c.client.SCard(ctx, key)
	case kvstore.TypeZSet:
		cmd = c.client.ZCard(ctx, key)
	default:
		return 0, nil
	}
	n, err := cmd.Result()
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", key, err)
	}
	return n, nil
}

// Info implements kvstore.Conn.
func (c *Conn) Info(ctx context.Context, sections ...string) (string, error) {
	s, err := c.client.Info(ctx, sections...).Result()
	if err != nil {
		return "", fmt.Errorf("info: %w", err)
	}
	return s, nil
}

// ConfigGet implements kvstore.Conn.
func (c *Conn) ConfigGet(ctx context.Context, parameter string) (map[string]string, error) {
	m, err := c.client.ConfigGet(ctx, parameter).Result()
	if err != nil {
		return nil, fmt.Errorf("config get %s: %w", parameter, err)
	}
	return m, nil
}

// ConfigSet implements kvstore.Conn.
func (c *Conn) ConfigSet(ctx context.Context, parameter, value string) error {
	if err := c.client.ConfigSet(ctx, parameter, value).Err(); err != nil {
		return fmt.Errorf("config set %s: %w", parameter, err)
	}
	return nil
}

// Exec implements kvstore.Conn.
func (c *Conn) Exec(ctx context.Context, cmd kvstore.Command) (string, error) {
	var status *goredis.StatusCmd
	switch cmd {
	case kvstore.CommandBGSave:
		status = c.client.BgSave(ctx)
	case kvstore.CommandBGRewriteAOF:
		status = c.client.BgRewriteAOF(ctx)
	case kvstore.CommandFlushDB:
		status = c.client.FlushDB(ctx)
	default:
		return "", fmt.Errorf("unsupported maintenance command %q", cmd)
	}
	reply, err := status.Result()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return reply, nil
}

// Monitor implements kvstore.Conn.
func (c *Conn) Monitor(ctx context.Context) (kvstore.MonitorFeed, error) {
	ch := make(chan string, monitorBuffer)
	cmd := c.client.Monitor(ctx, ch)
	cmd.Start()
	if err := cmd.Err(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return &monitorFeed{cmd: cmd, lines: ch}, nil
}

// Duplicate opens a new client with the same options.
func (c *Conn) Duplicate(ctx context.Context) (kvstore.Conn, error) {
	opts := *c.opts
	dup, err := open(ctx, &opts)
	if err != nil {
		return nil, &kvstore.ConnectionError{Addr: opts.Addr, Err: err}
	}
	return dup, nil
}

// Close implements kvstore.Conn.
func (c *Conn) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("closing client: %w", err)
	}
	return nil
}

type monitorFeed struct {
	cmd   *goredis.MonitorCmd
	lines chan string
	once  sync.Once
}

func (m *monitorFeed) Lines() <-chan string {
	return m.lines
}

func (m *monitorFeed) Close() error {
	m.once.Do(m.cmd.Stop)
	return nil
}

// Verify interface compliance.
var (
	_ kvstore.Conn   = (*Conn)(nil)
	_ kvstore.Dialer = (*Dialer)(nil)
)
