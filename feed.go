package postbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"
)

// DefaultFeedInterval is the poll interval used when a source does
// not set one.
const DefaultFeedInterval = 15 * time.Minute

// FeedSource describes one feed to deliver into a local mailbox.
type FeedSource struct {
	URL      string
	User     string
	Interval time.Duration
}

// FeedGateway polls web feeds and delivers unseen items as messages
// into local mailboxes, through the same mailbox-lock discipline a
// client SEND uses.
//
// Items are deduplicated in memory by GUID (falling back to link,
// then title), so a restart may deliver the newest items again.
type FeedGateway struct {
	store   *Store
	locks   *LockRegistry
	parser  *gofeed.Parser
	sources []FeedSource

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewFeedGateway(store *Store, locks *LockRegistry, sources []FeedSource) *FeedGateway {
	return &FeedGateway{
		store:   store,
		locks:   locks,
		parser:  gofeed.NewParser(),
		sources: sources,
		seen:    make(map[string]struct{}),
	}
}

// Run polls every source on its interval until ctx is canceled.
// Fetch and delivery failures are logged and retried on the next
// tick.
func (g *FeedGateway) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, src := range g.sources {
		src := src
		group.Go(func() error {
			g.pollLoop(ctx, src)
			return nil
		})
	}
	return group.Wait()
}

func (g *FeedGateway) pollLoop(ctx context.Context, src FeedSource) {
	interval := src.Interval
	if interval <= 0 {
		interval = DefaultFeedInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := g.pollOnce(ctx, src); err != nil && ctx.Err() == nil {
			log.Printf("Feed %s: %v", src.URL, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *FeedGateway) pollOnce(ctx context.Context, src FeedSource) error {
	feed, err := g.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	return g.deliver(src, feed)
}

func (g *FeedGateway) deliver(src FeedSource, feed *gofeed.Feed) error {
	if err := g.store.EnsureMailbox(src.User); err != nil {
		return err
	}

	mu := g.locks.Acquire(src.User)
	for _, item := range feed.Items {
		key := src.URL + "\x00" + itemKey(item)
		if g.isSeen(key) {
			continue
		}

		sender, subject, body := itemMessage(feed, item)

		mu.Lock()
		err := g.store.Append(src.User, sender, subject, body)
		mu.Unlock()
		if err != nil {
			return err
		}
		g.markSeen(key)
	}
	return nil
}

func (g *FeedGateway) isSeen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[key]
	return ok
}

func (g *FeedGateway) markSeen(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key] = struct{}{}
}

func itemKey(item *gofeed.Item) string {
	switch {
	case item.GUID != "":
		return item.GUID
	case item.Link != "":
		return item.Link
	default:
		return item.Title
	}
}

// itemMessage maps a feed item onto the sender, subject and body of a
// stored message.
func itemMessage(feed *gofeed.Feed, item *gofeed.Item) (sender, subject string, body []string) {
	sender = strings.TrimSpace(feed.Title)
	if sender == "" {
		sender = "feed"
	}
	subject = strings.TrimSpace(item.Title)
	if subject == "" {
		subject = "(no title)"
	}

	for _, line := range strings.Split(item.Description, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			body = append(body, line)
		}
	}
	if item.Link != "" {
		body = append(body, item.Link)
	}
	if len(body) == 0 {
		body = []string{subject}
	}
	return sender, subject, body
}
