package logger

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"
)

// Publisher ships a digest to a topic, typically a Kafka producer.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	Service        string
	TimeInterval   time.Duration // flush period
	CountThreshold int           // distinct entries that force an early flush
	Topic          string
	Publisher      Publisher
}

// DigestEntry is one distinct log line and how often it repeated in the window.
type DigestEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Digest is the payload published per flush. Entries are ordered by count, highest first.
type Digest struct {
	Service string        `json:"service,omitempty"`
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
	Total   int           `json:"total"`
	Entries []DigestEntry `json:"entries"`
}

// LogCollector folds repeated warnings and errors into periodic digests, so a
// provider outage that fails every symbol on every cycle ships one entry with a count.
type LogCollector struct {
	cfg CollectionConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[uint64]*DigestEntry
	from    time.Time

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewLogCollector(cfg *CollectionConfig) *LogCollector {
	c := newCollector(*cfg, time.Now)
	c.wg.Add(1)
	go c.loop()
	return c
}

func newCollector(cfg CollectionConfig, now func() time.Time) *LogCollector {
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = 30 * time.Second
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = 100
	}
	return &LogCollector{
		cfg:     cfg,
		now:     now,
		entries: make(map[uint64]*DigestEntry),
		from:    now(),
		stop:    make(chan struct{}),
	}
}

// AddLog records one entry. Entries with the same level, message, caller and
// field values are counted together.
func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := c.now()
	for k, v := range fields {
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
		}
	}
	key := digestKey(level, message, caller, fields)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.Count++
		e.LastSeen = now
	} else {
		c.entries[key] = &DigestEntry{
			Level: level, Message: message, Caller: caller, Fields: fields,
			Count: 1, FirstSeen: now, LastSeen: now,
		}
	}
	var d *Digest
	if len(c.entries) >= c.cfg.CountThreshold {
		d = c.takeLocked(now)
	}
	c.mu.Unlock()

	if d != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.publish(d)
		}()
	}
}

func digestKey(level, message, caller string, fields map[string]interface{}) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", level, message, caller)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(h, "|%s=%v", k, fields[k])
	}
	return h.Sum64()
}

// takeLocked drains the window into a digest. Caller holds mu.
func (c *LogCollector) takeLocked(now time.Time) *Digest {
	if len(c.entries) == 0 {
		c.from = now
		return nil
	}
	d := &Digest{Service: c.cfg.Service, From: c.from, To: now, Entries: make([]DigestEntry, 0, len(c.entries))}
	for _, e := range c.entries {
		d.Entries = append(d.Entries, *e)
		d.Total += e.Count
	}
	sort.Slice(d.Entries, func(i, j int) bool {
		if d.Entries[i].Count != d.Entries[j].Count {
			return d.Entries[i].Count > d.Entries[j].Count
		}
		return d.Entries[i].Message < d.Entries[j].Message
	})
	c.entries = make(map[uint64]*DigestEntry)
	c.from = now
	return d
}

// Flush publishes the current window immediately.
func (c *LogCollector) Flush() {
	c.mu.Lock()
	d := c.takeLocked(c.now())
	c.mu.Unlock()
	if d != nil {
		c.publish(d)
	}
}

func (c *LogCollector) publish(d *Digest) {
	if c.cfg.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cfg.Publisher.PublishMessage(ctx, c.cfg.Topic, d); err != nil {
		// the logger cannot log its own delivery failure
		fmt.Fprintf(os.Stderr, "log digest publish failed: %v\n", err)
	}
}

func (c *LogCollector) loop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.TimeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Flush()
		case <-c.stop:
			c.Flush()
			return
		}
	}
}

// Close flushes what is left and waits for in-flight publishes.
func (c *LogCollector) Close() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
