// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"exec-engine/pkg/logging"
	"exec-engine/pkg/retry"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultRetryDelay = time.Second
	logEveryNRetries  = 10
)

// ConnConfig describes one MongoDB database.
type ConnConfig struct {
	// Hosts is a comma separated host[:port] list.
	Hosts    string
	Database string
	User     string
	Password string
	// ConnectRetries is how many times a failed connection probe is retried.
	ConnectRetries int
	RetryDelay     time.Duration
}

// Pool caches one client per distinct host set and user for the lifetime
// of the process. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*mongo.Client
	connect func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPool() *Pool {
	return &Pool{
		clients: map[string]*mongo.Client{},
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
	}
}

func splitHosts(hosts string) []string {
	var out []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// poolKey identifies a client. Credentials are bound to a client, so the
// user is part of the key.
func poolKey(cfg ConnConfig) string {
	return strings.Join(splitHosts(cfg.Hosts), ",") + "|" + cfg.User
}

// Client returns the cached client for cfg, creating it on first use.
func (p *Pool) Client(ctx context.Context, cfg ConnConfig) (*mongo.Client, error) {
	hosts := splitHosts(cfg.Hosts)
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no MongoDB hosts configured")
	}
	key := poolKey(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	opts := options.Client().SetHosts(hosts).SetAppName("exec-engine")
	if cfg.User != "" {
		opts.SetAuth(options.Credential{Username: cfg.User, Password: cfg.Password, AuthSource: cfg.Database})
	}
	c, err := p.connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client for %s: %w", strings.Join(hosts, ","), err)
	}
	p.clients[key] = c
	return c, nil
}

// Database returns a handle on cfg.Database after checking that the server
// is reachable and the credentials may read the database.
func (p *Pool) Database(ctx context.Context, cfg ConnConfig) (*mongo.Database, error) {
	if cfg.Database == "" {
		return nil, errors.New("database may not be empty")
	}
	client, err := p.Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	delay := cfg.RetryDelay
	if delay == 0 {
		delay = defaultRetryDelay
	}
	policy := retry.Policy{Attempts: cfg.ConnectRetries + 1, Delay: delay, Sleep: p.sleep}
	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := client.Ping(ctx, readpref.PrimaryPreferred())
		if err != nil && (attempt-1)%logEveryNRetries == 0 {
			logging.Info("Retrying MongoDB connection %s/%s, attempt %d/%d", cfg.Hosts, cfg.Database, attempt, cfg.ConnectRetries+1)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB %s/%s: %w", cfg.Hosts, cfg.Database, err)
	}

	db := client.Database(cfg.Database)
	if _, err := db.ListCollectionNames(ctx, bson.D{}); err != nil {
		return nil, fmt.Errorf("not authorized for database %s: %w", cfg.Database, err)
	}
	return db, nil
}

// Close disconnects every cached client.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}

// Open connects to cfg through the pool and returns a ready MongoStore.
func Open(ctx context.Context, pool *Pool, cfg ConnConfig) (*MongoStore, error) {
	db, err := pool.Database(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewMongoStore(ctx, db)
}
