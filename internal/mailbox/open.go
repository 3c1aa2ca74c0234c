package mailbox

import (
	"fmt"
	"time"
)

// Options selects and configures a Mailbox implementation.
type Options struct {
	Driver        string // sqlite, redis or memory
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TTL expires an untaken record (sqlite and redis).
	TTL time.Duration
}

// Open creates the Mailbox named by opts.Driver.
func Open(opts Options) (Mailbox, error) {
	switch opts.Driver {
	case "sqlite", "":
		return OpenSQLite(opts.Path, opts.TTL)
	case "redis":
		return NewRedis(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			TTL:      opts.TTL,
		})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown mailbox driver %q (supported: sqlite, redis, memory)", opts.Driver)
	}
}
