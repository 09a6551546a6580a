package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// FileSink writes snapshots as indented JSON, replacing the file atomically.
type FileSink struct {
	Path string
}

// Name implements Sink.
func (FileSink) Name() string { return "file" }

// Save implements Sink.
func (s FileSink) Save(ctx context.Context, instanceID string, snapshot map[string]Stats) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// RedisSink mirrors counters into one Redis hash per connection so that
// several instances can be inspected from one place.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a RedisSink. Keys are <prefix>:<instance>:<connection>.
func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "toolhost:usage"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Name implements Sink.
func (*RedisSink) Name() string { return "redis" }

// Key returns the hash key of one connection.
func (s *RedisSink) Key(instanceID, conn string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, instanceID, conn)
}

// Save implements Sink.
func (s *RedisSink) Save(ctx context.Context, instanceID string, snapshot map[string]Stats) error {
	if len(snapshot) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for conn, st := range snapshot {
			key := s.Key(instanceID, conn)
			fields := map[string]any{
				"total_tool_calls": st.TotalCalls,
				"successful_calls": st.Successful,
				"failed_calls":     st.Failed,
				"total_sessions":   st.TotalSessions,
				"first_used":       st.FirstUsed.Unix(),
				"last_used":        st.LastUsed.Unix(),
			}
			for tool, n := range st.ToolCounts {
				fields["tool:"+tool] = strconv.FormatUint(n, 10)
			}
			pipe.HSet(ctx, key, fields)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
		}
		return nil
	})
	return err
}

// ConnectRedis opens a client for url (redis://host:port/db) and checks that
// the server answers.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
