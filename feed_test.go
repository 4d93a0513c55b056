package postbox

import (
	"path/filepath"
	"testing"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemMessage(t *testing.T) {
	feed := &gofeed.Feed{Title: "Example Blog"}
	item := &gofeed.Item{
		Title:       "A post",
		Description: "first paragraph\r\n\r\nsecond paragraph\n",
		Link:        "https://example.com/a-post",
	}

	sender, subject, body := itemMessage(feed, item)

	assert.Equal(t, "Example Blog", sender)
	assert.Equal(t, "A post", subject)
	assert.Equal(t, []string{
		"first paragraph",
		"second paragraph",
		"https://example.com/a-post",
	}, body)
}

func TestItemMessageFallbacks(t *testing.T) {
	sender, subject, body := itemMessage(&gofeed.Feed{}, &gofeed.Item{})

	assert.Equal(t, "feed", sender)
	assert.Equal(t, "(no title)", subject)
	assert.Equal(t, []string{"(no title)"}, body)
}

func TestItemKeyPrefersGUID(t *testing.T) {
	assert.Equal(t, "guid-1", itemKey(&gofeed.Item{GUID: "guid-1", Link: "l", Title: "t"}))
	assert.Equal(t, "l", itemKey(&gofeed.Item{Link: "l", Title: "t"}))
	assert.Equal(t, "t", itemKey(&gofeed.Item{Title: "t"}))
}

func TestDeliverAppendsUnseenItemsOnce(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)
	g := NewFeedGateway(store, NewLockRegistry(), nil)

	src := FeedSource{URL: "https://example.com/feed.xml", User: "alice"}
	feed := &gofeed.Feed{
		Title: "Example Blog",
		Items: []*gofeed.Item{
			{GUID: "1", Title: "First", Description: "one"},
			{GUID: "2", Title: "Second", Description: "two"},
		},
	}

	require.NoError(t, g.deliver(src, feed))
	require.NoError(t, g.deliver(src, feed))

	subjects, err := store.List("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"First", "Second"}, subjects)

	// a new item on the next poll is delivered, the old ones are not
	feed.Items = append(feed.Items, &gofeed.Item{GUID: "3", Title: "Third", Description: "three"})
	require.NoError(t, g.deliver(src, feed))

	subjects, err = store.List("alice")
	require.NoError(t, err)
	assert.Len(t, subjects, 3)
}
