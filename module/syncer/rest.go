package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"PSync/module/syncer/conversation"
	"PSync/module/syncer/presence"
	"PSync/tools/errs"
)

// HTTPRest talks to the gateway's REST surface. Transport failures and 5xx
// map to ErrNetwork (retried by the coordinator's uniform policy); 401/403
// map to ErrAuth (never retried).
type HTTPRest struct {
	BaseURL string
	Tokens  TokenSource
	Client  *http.Client
}

func NewHTTPRest(baseURL string, tokens TokenSource) *HTTPRest {
	return &HTTPRest{
		BaseURL: baseURL,
		Tokens:  tokens,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type onlineFriendsResp struct {
	Entries    []presence.Entry `json:"entries"`
	NextCursor string           `json:"next_cursor"`
	SnapshotMS int64            `json:"snapshot_ms"`
}

func (r *HTTPRest) OnlineFriends(ctx context.Context, cursor string, limit int) ([]presence.Entry, string, int64, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out onlineFriendsResp
	if err := r.doJSON(ctx, http.MethodGet, "/api/presence/online?"+q.Encode(), nil, &out); err != nil {
		return nil, "", 0, err
	}
	return out.Entries, out.NextCursor, out.SnapshotMS, nil
}

type unreadCountsResp struct {
	Items []UnreadSnapshot `json:"items"`
}

func (r *HTTPRest) UnreadCounts(ctx context.Context) ([]UnreadSnapshot, error) {
	var out unreadCountsResp
	if err := r.doJSON(ctx, http.MethodGet, "/api/unread", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (r *HTTPRest) ResolveConversation(ctx context.Context, userA, userB string) (conversation.Conversation, error) {
	body := map[string]string{"user_a": userA, "user_b": userB}
	var out conversation.Conversation
	if err := r.doJSON(ctx, http.MethodPost, "/api/conversations/resolve", body, &out); err != nil {
		return conversation.Conversation{}, err
	}
	return out, nil
}

func (r *HTTPRest) ConversationByID(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	var out conversation.Conversation
	err := r.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRest) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errs.ErrInvalidArgument.WrapMsg("marshal body", "err", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, body)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("build request", "err", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token, ok := r.Tokens.AccessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return errs.ErrNetwork.WrapMsg("rest call", "path", path, "err", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.ErrAuth.WrapMsg("rest call", "path", path, "status", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errs.ErrRecordNotFound.WrapMsg("rest call", "path", path)
	case resp.StatusCode >= 400:
		return errs.ErrNetwork.WrapMsg("rest call", "path", path, "status", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.ErrNetwork.WrapMsg("decode response", "path", path, "err", fmt.Sprintf("%v", err))
	}
	return nil
}
