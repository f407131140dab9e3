package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"PSync/logger"
	"PSync/module/syncer/wire"
	"PSync/service/storage"
	"PSync/tools/errs"
	"PSync/tools/ids"
	"PSync/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subject every node subscribes to; Meta["to"] carries the target user ids
const subjectFrames = "ps.frames"

// HandleWS upgrades the request and runs the read loop until the peer drops.
// The socket must authenticate with an AUTH frame before anything else counts.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	connID := ids.GenerateString()
	cl, err := s.mgr.AddUnauth(connID, ws)
	if err != nil {
		logger.Warnf("[ws] register conn=%s err=%v", connID, err)
		_ = ws.Close()
		return
	}
	_ = cl.WriteFrame(wire.BuildConnAck(connID, s.mgr.GwID()))

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				glog.Infof("[ws] peer closed conn=%s err=%v", connID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				glog.Infof("[ws] read timeout conn=%s err=%v", connID, rerr)
			} else {
				glog.Infof("[ws] read err conn=%s err=%v", connID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := wire.ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			glog.Warningf("[ws] bad frame conn=%s err=%v sample=%q", connID, perr, sample)
			continue
		}

		switch f.Type {
		case wire.TypeAuth:
			if err := s.handleAuth(cl, f); err != nil {
				// refusal already sent; terminal for this socket
				_, _ = s.mgr.Remove(connID)
				return
			}
		case wire.TypePing:
			s.handlePing(cl)
		case wire.TypeCack:
			s.handleCack(cl, f)
		case wire.TypeMsg:
			s.handleMsg(cl, f)
		default:
			glog.Infof("[ws] no handler conn=%s type=%s", connID, f.Type)
		}
	}

	s.teardown(connID)
}

// teardown runs once the read loop exits: drop the socket and, if it was
// still the user's authoritative one, flip the user offline and fan out.
func (s *Server) teardown(connID string) {
	user, authoritative := s.mgr.Remove(connID)
	if user == "" || !authoritative {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := storage.PresenceOffline(ctx, user); err != nil {
		logger.Errorf("[ws] offline user=%s err=%v", user, err)
	}
	s.fanoutPresence(ctx, user, false)
}

// ===== frame handlers =====

func (s *Server) handleAuth(cl *Client, f *wire.Frame) error {
	p, err := wire.ExtractAuth(f)
	if err != nil {
		_ = cl.WriteFrame(wire.BuildAck(cl.ConnID, errs.CodeInvalidArgument, "bad auth payload"))
		return err
	}
	userID, err := security.Verify(s.conf.JWT, p.Token)
	if err != nil {
		code := errs.CodeAuth
		if errs.Is(err, errs.ErrTokenExpired) {
			code = errs.CodeTokenExpired
		}
		glog.Warningf("[ws] auth refused conn=%s err=%v", cl.ConnID, err)
		_ = cl.WriteFrame(wire.BuildAck(cl.ConnID, code, "auth refused"))
		return err
	}
	if p.UserID != "" && p.UserID != userID {
		_ = cl.WriteFrame(wire.BuildAck(cl.ConnID, errs.CodeAuth, "token/user mismatch"))
		return errs.ErrAuth.WrapMsg("token subject mismatch")
	}

	if _, err := s.mgr.Bind(cl.ConnID, userID); err != nil {
		_ = cl.WriteFrame(wire.BuildAck(cl.ConnID, errs.CodeNetwork, "bind failed"))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := storage.PresenceOnline(ctx, userID, s.mgr.GwID(), s.conf.PresenceTTL); err != nil {
		logger.Errorf("[ws] presence online user=%s err=%v", userID, err)
	}
	s.fanoutPresence(ctx, userID, true)

	glog.Infof("[ws] auth ok conn=%s user=%s", cl.ConnID, userID)
	return cl.WriteFrame(wire.BuildAck(cl.ConnID, 0, "ok"))
}

func (s *Server) handlePing(cl *Client) {
	_ = s.mgr.Heartbeat(cl.ConnID)
	if cl.Authorized {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := storage.PresenceRenew(ctx, cl.UserID, s.conf.PresenceTTL); err != nil {
			logger.Warnf("[ws] renew user=%s err=%v", cl.UserID, err)
		}
		cancel()
	}
	_ = cl.WriteFrame(wire.BuildPong())
}

// handleCack applies a client read watermark to the authoritative counters.
func (s *Server) handleCack(cl *Client, f *wire.Frame) {
	if !cl.Authorized {
		return
	}
	p, err := wire.ExtractCack(f)
	if err != nil {
		glog.Warningf("[ws] bad cack conn=%s err=%v", cl.ConnID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := storage.AckUnread(ctx, cl.UserID, p.ConvID, p.ThroughID); err != nil {
		logger.Errorf("[ws] ack user=%s conv=%s err=%v", cl.UserID, p.ConvID, err)
	}
}

// handleMsg accepts a client message addressed via Meta["to"], resolves the
// pair conversation, assigns the message id, counts it for the receiver and
// fans the authoritative frame out to both sides.
func (s *Server) handleMsg(cl *Client, f *wire.Frame) {
	if !cl.Authorized {
		return
	}
	to := strings.TrimSpace(f.Meta["to"])
	if to == "" {
		_ = cl.WriteFrame(wire.BuildErr(errs.CodeInvalidArgument, "missing meta.to"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conv, err := s.resolver.ResolveFull(ctx, cl.UserID, to)
	if err != nil {
		glog.Warningf("[ws] resolve user=%s to=%s err=%v", cl.UserID, to, err)
		_ = cl.WriteFrame(wire.BuildErr(errs.CodeOf(err), "resolve failed"))
		return
	}

	mid := ids.Generate()
	if err := storage.IncrUnread(ctx, to, conv.ConversationID, mid); err != nil {
		logger.Errorf("[ws] count user=%s conv=%s err=%v", to, conv.ConversationID, err)
	}

	out := wire.BuildMsg(conv.ConversationID, mid, cl.UserID)
	out.GatewayID = s.mgr.GwID()
	s.deliver(to, out)
	// echo to the sender so it learns the assigned id
	_ = cl.WriteFrame(out)
}

// ===== fan-out =====

// deliver writes locally when the target is on this node, otherwise publishes
// for whichever node holds the target.
func (s *Server) deliver(user string, f *wire.Frame) {
	if err := s.mgr.SendUser(user, f); err == nil {
		return
	}
	if s.bus == nil {
		return
	}
	f.Meta = map[string]string{"to": user}
	if err := s.bus.PublishFrame(subjectFrames, f); err != nil {
		logger.Errorf("[ws] publish to=%s err=%v", user, err)
	}
}

// fanoutPresence pushes a transition to every friend of the user.
func (s *Server) fanoutPresence(ctx context.Context, user string, online bool) {
	friends, err := storage.Friends(ctx, user)
	if err != nil {
		logger.Errorf("[ws] friends user=%s err=%v", user, err)
		return
	}
	if len(friends) == 0 {
		return
	}
	f := wire.BuildPresence(user, online, time.Now().UnixMilli())
	f.GatewayID = s.mgr.GwID()
	for _, fr := range friends {
		s.deliver(fr, f)
	}
}

// onBusFrame delivers a fanned-out frame to whichever targets are local.
func (s *Server) onBusFrame(f *wire.Frame) {
	if f.GatewayID == s.mgr.GwID() {
		return // own publish
	}
	for _, user := range strings.Split(f.Meta["to"], ",") {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		if err := s.mgr.SendUser(user, f); err == nil {
			glog.V(1).Infof("[ws] bus deliver user=%s type=%s", user, f.Type)
		}
	}
}
