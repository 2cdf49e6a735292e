package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channelFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <id>yt:channel:UC123</id>
 <yt:channelId>UC123</yt:channelId>
 <title>Test Channel</title>
 <author><name>Test Channel</name></author>
 <entry>
  <id>yt:video:older1</id>
  <yt:videoId>older1</yt:videoId>
  <title>Older video</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=older1"/>
  <author><name>Test Channel</name></author>
  <published>2024-01-01T10:00:00+00:00</published>
  <updated>2024-01-02T10:00:00+00:00</updated>
  <media:group>
   <media:title>Older video</media:title>
   <media:description>first description</media:description>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:newer2</id>
  <yt:videoId>newer2</yt:videoId>
  <title>Newer video</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=newer2"/>
  <author><name>Test Channel</name></author>
  <published>2024-01-08T10:00:00+00:00</published>
  <media:group>
   <media:description>second description</media:description>
  </media:group>
 </entry>
</feed>`

func TestSource_List(t *testing.T) {
	var gotUA, gotAccept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotAccept = r.Header.Get("User-Agent"), r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(channelFeed))
	}))
	defer ts.Close()

	src := NewSource(5*time.Second, "feedmirror-test")
	entries, err := src.List(context.Background(), ts.URL+"/feeds/videos.xml?channel_id=UC123")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "feedmirror-test", gotUA)
	assert.Contains(t, gotAccept, "application/atom+xml")

	assert.Equal(t, "yt:video:newer2", entries[0].ID, "newest first")
	assert.Equal(t, "newer2", entries[0].VideoID)
	assert.Equal(t, "second description", entries[0].Description)
	assert.Equal(t, "https://www.youtube.com/watch?v=newer2", entries[0].Link)

	assert.Equal(t, "yt:video:older1", entries[1].ID)
	assert.Equal(t, "Older video", entries[1].Title)
	assert.Equal(t, "Test Channel", entries[1].Author)
	assert.Equal(t, "first description", entries[1].Description)
	assert.True(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).Equal(entries[1].Published))
}

func TestSource_ListErrors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()
		_, err := NewSource(time.Second, "ua").List(context.Background(), ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status code: 404")
	})

	t.Run("not a feed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello"))
		}))
		defer ts.Close()
		_, err := NewSource(time.Second, "ua").List(context.Background(), ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse feed")
	})
}

func TestVideoIDFromLink(t *testing.T) {
	assert.Equal(t, "abc", videoIDFromLink("https://www.youtube.com/watch?v=abc"))
	assert.Equal(t, "abc", videoIDFromLink("https://www.youtube.com/watch?feature=x&v=abc"))
	assert.Empty(t, videoIDFromLink("https://example.com/video"))
}
