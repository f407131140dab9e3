package storage

import (
	"context"
	"strconv"

	"PSync/module/syncer"

	pkgerr "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	rds "PSync/service/storage/redis"
)

// Authoritative unread counts, per viewing user:
//   ps:unread:<user>     -> hash conv_id => count
//   ps:unreadmax:<user>  -> hash conv_id => highest message id counted
//
// The max hash is raise-only so a delayed increment can never rewind the
// watermark the clients reconcile against.

func unreadKey(user string) string    { return "ps:unread:" + user }
func unreadMaxKey(user string) string { return "ps:unreadmax:" + user }

// count +1 and raise the per-conv max; raise-only on the max field
var incrUnreadLua = redis.NewScript(`
local cnt = KEYS[1]
local max = KEYS[2]
local conv = ARGV[1]
local mid = tonumber(ARGV[2])
redis.call('HINCRBY', cnt, conv, 1)
local cur = tonumber(redis.call('HGET', max, conv) or '0')
if mid > cur then
  redis.call('HSET', max, conv, mid)
end
return redis.call('HGET', cnt, conv)
`)

// reset count to 0 when the ack watermark reaches the recorded max;
// a stale ack (watermark below max) is ignored so increments counted above
// the client's watermark survive until pull reconciliation converges
var ackUnreadLua = redis.NewScript(`
local cnt = KEYS[1]
local max = KEYS[2]
local conv = ARGV[1]
local through = tonumber(ARGV[2])
local cur = tonumber(redis.call('HGET', max, conv) or '0')
if through >= cur then
  redis.call('HSET', cnt, conv, 0)
  redis.call('HSET', max, conv, through)
end
return redis.call('HGET', max, conv)
`)

// IncrUnread counts one pushed message for the viewer.
func IncrUnread(ctx context.Context, viewer, convID string, messageID int64) error {
	err := incrUnreadLua.Run(ctx, rds.GetRedis(),
		[]string{unreadKey(viewer), unreadMaxKey(viewer)},
		convID, messageID).Err()
	return pkgerr.Wrap(err, "incr unread")
}

// AckUnread applies a read acknowledgment through the given message id.
func AckUnread(ctx context.Context, viewer, convID string, throughMessageID int64) error {
	err := ackUnreadLua.Run(ctx, rds.GetRedis(),
		[]string{unreadKey(viewer), unreadMaxKey(viewer)},
		convID, throughMessageID).Err()
	return pkgerr.Wrap(err, "ack unread")
}

// UnreadSnapshots returns the authoritative per-conversation counts with the
// message id each count is valid as of.
func UnreadSnapshots(ctx context.Context, viewer string) ([]syncer.UnreadSnapshot, error) {
	rdb := rds.GetRedis()
	counts, err := rdb.HGetAll(ctx, unreadKey(viewer)).Result()
	if err != nil {
		return nil, pkgerr.Wrap(err, "unread counts")
	}
	maxes, err := rdb.HGetAll(ctx, unreadMaxKey(viewer)).Result()
	if err != nil {
		return nil, pkgerr.Wrap(err, "unread maxes")
	}

	out := make([]syncer.UnreadSnapshot, 0, len(counts))
	for conv, raw := range counts {
		n, _ := strconv.Atoi(raw)
		var asOf int64
		if m, ok := maxes[conv]; ok {
			asOf, _ = strconv.ParseInt(m, 10, 64)
		}
		out = append(out, syncer.UnreadSnapshot{ConvID: conv, Count: n, AsOfMessageID: asOf})
	}
	return out, nil
}
