package rest

import (
	"context"
	"fmt"
	"net/url"

	"github.com/guildvault/guildvault/internal/types"
)

// PageLimit is the page size used for every paginated endpoint.
const PageLimit = 100

// ArchivedThreadKind selects which archived-thread listing to page.
type ArchivedThreadKind int

const (
	ArchivedPublic ArchivedThreadKind = iota
	ArchivedPrivate
	ArchivedJoinedPrivate
)

func (k ArchivedThreadKind) String() string {
	switch k {
	case ArchivedPublic:
		return "public"
	case ArchivedPrivate:
		return "private"
	case ArchivedJoinedPrivate:
		return "joined-private"
	}
	return "unknown"
}

// Messages fetches one page of channel history strictly after the cursor.
// The page arrives newest-first.
func (c *Client) Messages(ctx context.Context, channelID, after types.Snowflake) ([]types.Message, *Response, error) {
	path := fmt.Sprintf("/channels/%s/messages?limit=%d&after=%s", channelID, PageLimit, after)
	var msgs []types.Message
	resp, err := c.DoJSON(ctx, path, Options{AbortOnFailure: true}, &msgs)
	if err != nil {
		return nil, nil, err
	}
	return msgs, resp, nil
}

// ReactionUsers fetches one page of users who placed emoji on a message,
// strictly after the user-id cursor. kind 0 is a normal reaction, 1 a
// burst reaction.
func (c *Client) ReactionUsers(ctx context.Context, channelID, messageID types.Snowflake, emoji types.Emoji, kind int, after types.Snowflake) ([]types.User, *Response, error) {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s?limit=%d&after=%s&type=%d",
		channelID, messageID, emojiPath(emoji), PageLimit, after, kind)
	var users []types.User
	resp, err := c.DoJSON(ctx, path, Options{AbortOnFailure: true}, &users)
	if err != nil {
		return nil, nil, err
	}
	return users, resp, nil
}

// ArchivedThreads fetches one page of a channel's archived-thread listing.
// A zero before omits the cursor.
func (c *Client) ArchivedThreads(ctx context.Context, channelID types.Snowflake, kind ArchivedThreadKind, before types.Snowflake) (*types.ThreadListPage, *Response, error) {
	var path string
	switch kind {
	case ArchivedPublic:
		path = fmt.Sprintf("/channels/%s/threads/archived/public", channelID)
	case ArchivedPrivate:
		path = fmt.Sprintf("/channels/%s/threads/archived/private", channelID)
	case ArchivedJoinedPrivate:
		path = fmt.Sprintf("/channels/%s/users/@me/threads/archived/private", channelID)
	}
	path += fmt.Sprintf("?limit=%d", PageLimit)
	if before != 0 {
		path += "&before=" + before.String()
	}
	var page types.ThreadListPage
	resp, err := c.DoJSON(ctx, path, Options{AbortOnFailure: true}, &page)
	if err != nil {
		return nil, nil, err
	}
	return &page, resp, nil
}

// emojiPath encodes an emoji as a reactions-endpoint path segment:
// name:id for custom emoji, the escaped literal for unicode.
func emojiPath(e types.Emoji) string {
	if e.ID != 0 {
		return url.PathEscape(e.Name) + ":" + e.ID.String()
	}
	return url.PathEscape(e.Name)
}
