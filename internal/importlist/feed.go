package importlist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FeedSource reads Atom/RSS book lists page by page. Each entry's guid (or
// link) identifies the book; entries that already carry an md5 guid are
// used as-is, anything else is hashed into the same keyspace.
type FeedSource struct {
	parser *gofeed.Parser
}

func NewFeedSource(timeout time.Duration) *FeedSource {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &FeedSource{parser: parser}
}

func (s *FeedSource) FetchPage(ctx context.Context, feedURL string, page int) ([]ListedBook, error) {
	pageURL, err := withPage(feedURL, page)
	if err != nil {
		return nil, err
	}

	feed, err := s.parser.ParseURLWithContext(pageURL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			if httpErr.StatusCode == http.StatusNotFound && page > 1 {
				// Lists without pagination 404 past the first page.
				return nil, nil
			}

			if httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone {
				return nil, ErrListGone
			}
		}

		return nil, err
	}

	books := make([]ListedBook, 0, len(feed.Items))

	for _, item := range feed.Items {
		title, author := splitTitle(item.Title)

		if author == "" {
			author = itemAuthor(item)
		}

		books = append(books, ListedBook{
			Hash:     itemHash(item),
			Title:    title,
			Author:   author,
			Language: feed.Language,
		})
	}

	return books, nil
}

func withPage(feedURL string, page int) (string, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return "", err
	}

	if page > 1 {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// splitTitle handles the common "Title - Author" entry shape.
func splitTitle(raw string) (title, author string) {
	parts := strings.SplitN(raw, " - ", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}

	return strings.TrimSpace(raw), ""
}

func itemAuthor(item *gofeed.Item) string {
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return item.Authors[0].Name
	}

	if item.Author != nil {
		return item.Author.Name
	}

	return ""
}

func itemHash(item *gofeed.Item) string {
	id := item.GUID
	if id == "" {
		id = item.Link
	}

	if isMD5(id) {
		return strings.ToLower(id)
	}

	sum := md5.Sum([]byte(id))

	return hex.EncodeToString(sum[:])
}

func isMD5(s string) bool {
	if len(s) != 32 {
		return false
	}

	for _, r := range strings.ToLower(s) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}

	return true
}
