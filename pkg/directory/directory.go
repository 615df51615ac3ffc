// Package directory wraps user search and group invitations.
package directory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatline/pkg/model"
)

// MinQueryLength is the shortest query that reaches the server.
const MinQueryLength = 2

type API interface {
	SearchUsers(ctx context.Context, query string) ([]model.User, error)
	InviteToGroup(ctx context.Context, groupID, userID string) error
}

type Client struct {
	api API
}

func New(api API) *Client {
	return &Client{api: api}
}

// SearchUsers returns no results, without a request, for queries shorter
// than MinQueryLength runes.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinQueryLength {
		return nil, nil
	}
	users, err := c.api.SearchUsers(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	return users, nil
}

func (c *Client) Invite(ctx context.Context, groupID, userID string) error {
	if groupID == "" || userID == "" {
		return errors.New("invite needs a group and a user")
	}
	if err := c.api.InviteToGroup(ctx, groupID, userID); err != nil {
		return errors.Wrapf(err, "invite %s to group %s", userID, groupID)
	}
	return nil
}
