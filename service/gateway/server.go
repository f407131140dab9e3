package gateway

import (
	"net/http"
	"strconv"
	"time"

	"PSync/logger"
	mw "PSync/middleware/security"
	"PSync/module/syncer/conversation"
	"PSync/service/natsx"
	"PSync/service/storage"
	"PSync/tools/errs"
	sec "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

// ===== config =====

type Conf struct {
	Addr        string
	GatewayID   string
	JWT         sec.Options
	PresenceTTL time.Duration
	ConnMgr     ManagerConf
}

func (c *Conf) norm() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 45 * time.Second
	}
}

// Server is one gateway node: the websocket edge plus the REST surface the
// client sync core reconciles against.
type Server struct {
	conf     Conf
	mgr      *ConnManager
	bus      *natsx.Manager // nil in single-node mode
	resolver *conversation.Resolver
	engine   *gin.Engine
}

func NewServer(conf Conf, bus *natsx.Manager, resolver *conversation.Resolver) *Server {
	conf.norm()
	s := &Server{
		conf:     conf,
		mgr:      NewConnManager(conf.ConnMgr, conf.GatewayID),
		bus:      bus,
		resolver: resolver,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ConnMgr() *ConnManager { return s.mgr }

// Run subscribes to the fan-out bus and serves until the listener fails.
func (s *Server) Run() error {
	if s.bus != nil {
		if err := s.bus.SubscribeFrames(subjectFrames, "", s.onBusFrame); err != nil {
			return err
		}
	}
	logger.Infof("[gateway] %s listening on %s", s.conf.GatewayID, s.conf.Addr)
	return s.engine.Run(s.conf.Addr)
}

func (s *Server) Close() {
	s.mgr.Close()
}

// ===== routes =====

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.HandleWS)
	r.POST("/api/login", s.handleLogin)

	api := r.Group("/api", mw.Middleware(mw.DefaultOptions(s.conf.JWT)))
	{
		api.GET("/presence/online", s.handleOnlineFriends)
		api.GET("/unread", s.handleUnread)
		api.POST("/conversations/resolve", s.handleResolve)
		api.GET("/conversations/:id", s.handleConversation)
		api.POST("/friends", s.handleAddFriend)
		api.DELETE("/friends/:id", s.handleRemoveFriend)
	}
	return r
}

// ===== REST handlers =====

type loginReq struct {
	UserID string `json:"user_id" binding:"required"`
}

// handleLogin mints a token for the given user. Real deployments front this
// with an account service; here it is the development entry point.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	token, expireAt, err := sec.Generate(s.conf.JWT, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork.WithDetail("token mint failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": req.UserID, "expire_at": expireAt.UnixMilli()})
}

func (s *Server) handleOnlineFriends(c *gin.Context) {
	viewer := mw.UserID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, next, snapshotMS, err := storage.OnlineFriendsPage(c.Request.Context(), viewer, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"next_cursor": next,
		"snapshot_ms": snapshotMS,
	})
}

func (s *Server) handleUnread(c *gin.Context) {
	items, err := storage.UnreadSnapshots(c.Request.Context(), mw.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork.WithDetail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type resolveReq struct {
	UserA string `json:"user_a" binding:"required"`
	UserB string `json:"user_b" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	viewer := mw.UserID(c)
	if viewer != req.UserA && viewer != req.UserB {
		c.JSON(http.StatusForbidden, errs.ErrAuth.WithDetail("viewer not a participant"))
		return
	}
	conv, err := s.resolver.ResolveFull(c.Request.Context(), req.UserA, req.UserB)
	if err != nil {
		if errs.Is(err, errs.ErrInvalidParticipants) {
			c.JSON(http.StatusBadRequest, errs.ErrInvalidParticipants)
			return
		}
		logger.Errorf("[gateway] resolve %s/%s err=%v", req.UserA, req.UserB, err)
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleConversation(c *gin.Context) {
	conv, err := s.resolver.LookupExisting(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errs.Is(err, errs.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errs.ErrRecordNotFound)
			return
		}
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type friendReq struct {
	FriendID string `json:"friend_id" binding:"required"`
}

// handleAddFriend stores the relation both ways so each side sees the other
// in its presence feed.
func (s *Server) handleAddFriend(c *gin.Context) {
	var req friendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	viewer := mw.UserID(c)
	if req.FriendID == viewer {
		c.JSON(http.StatusBadRequest, errs.ErrInvalidParticipants)
		return
	}
	ctx := c.Request.Context()
	if err := storage.AddFriends(ctx, viewer, req.FriendID); err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	if err := storage.AddFriends(ctx, req.FriendID, viewer); err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRemoveFriend(c *gin.Context) {
	viewer := mw.UserID(c)
	friend := c.Param("id")
	ctx := c.Request.Context()
	if err := storage.RemoveFriend(ctx, viewer, friend); err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	if err := storage.RemoveFriend(ctx, friend, viewer); err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrNetwork)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
