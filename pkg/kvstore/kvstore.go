// Package kvstore defines the store connection abstraction used by the console.
// The store itself is an external collaborator; everything above this package
// talks to it through Conn.
package kvstore

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// KeyType is the value type reported by TYPE.
type KeyType string

// Key types understood by the console.
const (
	TypeString KeyType = "string"
	TypeHash   KeyType = "hash"
	TypeList   KeyType = "list"
	TypeSet    KeyType = "set"
	TypeZSet   KeyType = "zset"
	TypeStream KeyType = "stream"
	TypeNone   KeyType = "none"
)

// Command is a maintenance command that can be run against a store.
type Command string

// Supported maintenance commands.
const (
	CommandBGSave       Command = "bgsave"
	CommandBGRewriteAOF Command = "bgrewriteaof"
	CommandFlushDB      Command = "flushdb"
)

// ParseCommand validates a maintenance command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandBGSave, CommandBGRewriteAOF, CommandFlushDB:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported maintenance command %q", s)
	}
}

// Conn is one live connection to a key-value store. Implementations must be
// safe for concurrent use; long-lived subscriptions such as Monitor must be
// run on a connection obtained from Duplicate.
type Conn interface {
	// Ping is the liveness probe.
	Ping(ctx context.Context) error

	// Keys returns every key name matching pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Type returns the type of key.
	Type(ctx context.Context, key string) (KeyType, error)

	// TTL returns the remaining time to live in seconds, -1 when the key has
	// no expiry and -2 when it does not exist.
	TTL(ctx context.Context, key string) (int64, error)

	// Size returns the type-appropriate size of key: string length, hash field
	// count, list length, set or sorted set cardinality. Other types report 0.
	Size(ctx context.Context, key string, t KeyType) (int64, error)

	// Info returns the raw status report.
	Info(ctx context.Context, sections ...string) (string, error)

	// ConfigGet returns the configuration parameters matching parameter.
	ConfigGet(ctx context.Context, parameter string) (map[string]string, error)

	// ConfigSet sets a configuration parameter.
	ConfigSet(ctx context.Context, parameter, value string) error

	// Exec runs a maintenance command and returns the store's reply.
	Exec(ctx context.Context, cmd Command) (string, error)

	// Monitor starts streaming every command the store processes. It blocks
	// the underlying connection and must only be called on a duplicate.
	Monitor(ctx context.Context) (MonitorFeed, error)

	// Duplicate opens a new, independent connection with the same settings.
	Duplicate(ctx context.Context) (Conn, error)

	// Close releases the connection.
	Close() error
}

// MonitorFeed is a running MONITOR subscription.
type MonitorFeed interface {
	// Lines delivers raw monitor output lines.
	Lines() <-chan string

	// Close stops the subscription.
	Close() error
}

// Profile is a named connection configuration.
type Profile struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	TLS      bool   `json:"tls" yaml:"tls"`
}

// Addr returns host:port for the profile.
func (p Profile) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Dialer opens connections for profiles.
type Dialer interface {
	Dial(ctx context.Context, p Profile) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, p Profile) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, p Profile) (Conn, error) {
	return f(ctx, p)
}

// ConnectionError reports a transport or authentication failure while
// establishing a connection. The underlying cause is preserved because the
// operator needs it (auth, DNS, refused).
type ConnectionError struct {
	ProfileID string
	Addr      string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s (profile %s): %v", e.Addr, e.ProfileID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
