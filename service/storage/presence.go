package storage

import (
	"context"
	"sort"
	"strconv"
	"time"

	"PSync/module/syncer/presence"

	pkgerr "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	rds "PSync/service/storage/redis"
)

// Gateway-side presence on Redis:
//   ps:presence:<user>  -> gateway id, TTL is the online validity window
//   ps:online           -> zset, score = last transition unix millis
//   ps:friends:<user>   -> set of friend user ids
//
// The TTL key is the liveness authority; the zset only orders the feed by
// most-recent transition.

func presenceKey(user string) string { return "ps:presence:" + user }
func friendsKey(user string) string  { return "ps:friends:" + user }

const onlineZSet = "ps:online"

// PresenceOnline marks the user online on this gateway and renews the TTL.
func PresenceOnline(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	rdb := rds.GetRedis()
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, presenceKey(user), gatewayID, ttl)
	pipe.ZAdd(ctx, onlineZSet, redis.Z{Score: float64(time.Now().UnixMilli()), Member: user})
	_, err := pipe.Exec(ctx)
	return pkgerr.Wrap(err, "presence online")
}

// PresenceRenew extends the TTL without touching the transition time.
func PresenceRenew(ctx context.Context, user string, ttl time.Duration) error {
	return pkgerr.Wrap(rds.GetRedis().Expire(ctx, presenceKey(user), ttl).Err(), "presence renew")
}

// PresenceOffline removes the user (explicit disconnect).
func PresenceOffline(ctx context.Context, user string) error {
	rdb := rds.GetRedis()
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(user))
	pipe.ZAdd(ctx, onlineZSet, redis.Z{Score: float64(time.Now().UnixMilli()), Member: user})
	_, err := pipe.Exec(ctx)
	return pkgerr.Wrap(err, "presence offline")
}

// PresenceLookup reports whether the user is online and on which gateway.
func PresenceLookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := rds.GetRedis().Get(ctx, presenceKey(user)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerr.Wrap(err, "presence lookup")
	}
	return val, true, nil
}

// AddFriends seeds the friend relation (both directions are stored
// separately, one set per owner).
func AddFriends(ctx context.Context, owner string, friends ...string) error {
	if len(friends) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(friends))
	for _, f := range friends {
		members = append(members, f)
	}
	return pkgerr.Wrap(rds.GetRedis().SAdd(ctx, friendsKey(owner), members...).Err(), "add friends")
}

// RemoveFriend ends a friend relationship for owner.
func RemoveFriend(ctx context.Context, owner, friend string) error {
	return pkgerr.Wrap(rds.GetRedis().SRem(ctx, friendsKey(owner), friend).Err(), "remove friend")
}

// Friends lists the owner's friend ids.
func Friends(ctx context.Context, owner string) ([]string, error) {
	out, err := rds.GetRedis().SMembers(ctx, friendsKey(owner)).Result()
	return out, pkgerr.Wrap(err, "friends")
}

// OnlineFriendsPage returns one page of the viewer's currently online friends,
// ordered by most-recent transition first (ties by user id ascending), plus an
// opaque next cursor and the snapshot time the page was computed at.
func OnlineFriendsPage(ctx context.Context, viewer, cursor string, limit int) ([]presence.Entry, string, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", 0, pkgerr.Errorf("bad cursor %q", cursor)
		}
		offset = n
	}

	friends, err := Friends(ctx, viewer)
	if err != nil {
		return nil, "", 0, err
	}
	snapshotMS := time.Now().UnixMilli()
	if len(friends) == 0 {
		return nil, "", snapshotMS, nil
	}

	rdb := rds.GetRedis()
	pipe := rdb.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(friends))
	scoreCmds := make([]*redis.FloatCmd, len(friends))
	for i, f := range friends {
		existsCmds[i] = pipe.Exists(ctx, presenceKey(f))
		scoreCmds[i] = pipe.ZScore(ctx, onlineZSet, f)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, "", 0, pkgerr.Wrap(err, "online friends pipeline")
	}

	online := make([]presence.Entry, 0, len(friends))
	for i, f := range friends {
		if existsCmds[i].Val() == 0 {
			continue
		}
		since := int64(scoreCmds[i].Val())
		online = append(online, presence.Entry{FriendUserID: f, Online: true, SinceMS: since})
	}
	sort.Slice(online, func(i, j int) bool {
		if online[i].SinceMS != online[j].SinceMS {
			return online[i].SinceMS > online[j].SinceMS
		}
		return online[i].FriendUserID < online[j].FriendUserID
	})

	if offset >= len(online) {
		return nil, "", snapshotMS, nil
	}
	end := offset + limit
	next := ""
	if end < len(online) {
		next = strconv.Itoa(end)
	} else {
		end = len(online)
	}
	return online[offset:end], next, snapshotMS, nil
}
