package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/reactive"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/session"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/users"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/voting"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	messageSnapshot = "snapshot"
	messageReply    = "reply"
	messageDegraded = "degraded"

	streamIdentity        = "identity"
	streamLoading         = "loading"
	streamSnippets        = "snippets"
	streamFiltered        = "snippets.filtered"
	streamFilter          = "snippets.filter"
	streamAllTags         = "snippets.tags"
	streamAllLanguages    = "snippets.languages"
	streamCommunity       = "community"
	streamInCommunity     = "community.members"
	streamVotes           = "votes"
	streamFavorites       = "favorites"
	streamFavoriteList    = "favorites.snippets"
	streamBookmarks       = "bookmarks"
	streamTags            = "tags"
	streamPopularTags     = "tags.popular"
	streamProfile         = "profile"
	streamProfileStats    = "profile.stats"
	liveOutboundBuffer    = 256
	liveWriteTimeout      = 10 * time.Second
	liveReadLimitBytes    = 1 << 20
	livePingInterval      = 30 * time.Second
	livePongWait          = 2 * livePingInterval
	liveCommandTimeout    = 30 * time.Second
	liveUnknownCommandMsg = "Unknown command"
	liveMalformedMsg      = "Malformed command"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveCommand is one client request on the live channel.
type liveCommand struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// liveMessage is everything the server writes: snapshots of watched values,
// command replies and degraded notices.
type liveMessage struct {
	Type   string           `json:"type"`
	ID     string           `json:"id,omitempty"`
	Stream string           `json:"stream,omitempty"`
	Result *apperror.Result `json:"result,omitempty"`
	Data   interface{}      `json:"data,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// deferrer owns cleanups. Both a session scope and a live connection are one.
type deferrer interface {
	Defer(fn func()) bool
}

// liveConn is one websocket session. The connection-wide stores (tags and
// community) live until disconnect; identity stores live in the session scope
// and are rebuilt on every sign-in.
type liveConn struct {
	handler  *httpHandler
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	session  *session.Store
	logger   *zap.Logger
	outbound chan liveMessage

	tags      *tags.Store
	community *snippets.CommunityStore

	mu      sync.Mutex
	closers []func()
	stores  *scopeStores
	closed  bool
}

// scopeStores are the live stores of one signed-in identity.
type scopeStores struct {
	scope     *session.Scope
	snippets  *snippets.Store
	voting    *voting.Store
	bookmarks *bookmarks.Store
	profile   *profile.Store

	mu      sync.Mutex
	watches map[string]func()
}

func (h *httpHandler) handleLive(c *gin.Context) {
	subject := ""
	if token := h.sessions.TokenFromRequest(c.Request); token != "" {
		validated, err := h.sessions.ValidateToken(token)
		if err != nil {
			h.logger.Info("live token rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		subject = validated
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade live connection", zap.Error(err))
		return
	}
	metrics.LiveSessions.Inc()
	defer metrics.LiveSessions.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	live := &liveConn{
		handler:  h,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   h.logger,
		outbound: make(chan liveMessage, liveOutboundBuffer),
	}
	go live.writeLoop()
	defer live.close()

	live.open(subject)
	live.readLoop()
}

func (l *liveConn) open(subject string) {
	h := l.handler
	storeConfig := snippets.StoreConfig{Service: h.services.Snippets, Feed: h.feed, OnError: l.reportError, Logger: l.logger}
	l.community = snippets.NewCommunityStore(l.ctx, storeConfig)
	l.Defer(l.community.Close)
	watch(l, l, streamCommunity, l.community.Snippets())
	watch(l, l, streamInCommunity, l.community.InCommunity())
	watchDegraded(l, l, streamCommunity, l.community.Degraded())

	if h.services.Tags != nil {
		l.tags = tags.NewStore(l.ctx, tags.StoreConfig{Service: h.services.Tags, Feed: h.feed, OnError: l.reportError, Logger: l.logger})
		l.Defer(l.tags.Close)
		watch(l, l, streamTags, l.tags.Tags())
		watch(l, l, streamPopularTags, l.tags.Popular())
		watchDegraded(l, l, streamTags, l.tags.Degraded())
	}

	l.session = session.New(l.ctx, session.Config{Client: users.NewClient(h.users), Logger: l.logger})
	l.Defer(l.session.Close)
	l.session.OnScope(l.openScope)
	watch(l, l, streamIdentity, l.session.Identity())
	watch(l, l, streamLoading, l.session.Loading())

	if subject != "" {
		if result := l.session.Restore(l.ctx, subject); !result.Success {
			l.logger.Info("live session restore failed", zap.String("user_id", subject), zap.String("error", result.Error))
		}
	}
}

// openScope builds the identity stores for a freshly signed-in user.
func (l *liveConn) openScope(scope *session.Scope) {
	h := l.handler
	ctx := scope.Context()
	stores := &scopeStores{scope: scope, watches: make(map[string]func())}

	mine, err := snippets.NewStore(ctx, snippets.StoreConfig{Service: h.services.Snippets, Feed: h.feed, OnError: l.reportError, Logger: l.logger})
	if err != nil {
		l.logger.Error("failed to open snippet store", zap.Error(err))
		return
	}
	scope.Defer(mine.Close)
	stores.snippets = mine
	watch(scope, l, streamSnippets, mine.Snippets())
	watch(scope, l, streamFiltered, mine.Filtered())
	watch(scope, l, streamFilter, mine.Filter())
	watch(scope, l, streamAllTags, mine.AllTags())
	watch(scope, l, streamAllLanguages, mine.AllLanguages())
	watchDegraded(scope, l, streamSnippets, mine.Degraded())

	if h.services.Voting != nil {
		votes, err := voting.NewStore(ctx, voting.StoreConfig{Service: h.services.Voting, Feed: h.feed, OnError: l.reportError, Logger: l.logger})
		if err != nil {
			l.logger.Error("failed to open voting store", zap.Error(err))
		} else {
			scope.Defer(votes.Close)
			stores.voting = votes
			watch(scope, l, streamVotes, votes.Votes())
			watch(scope, l, streamFavorites, votes.Favorites())
			watch(scope, l, streamFavoriteList, votes.FavoriteSnippets())
			watchDegraded(scope, l, streamVotes, votes.Degraded())
		}
	}

	if h.services.Bookmarks != nil {
		marks, err := bookmarks.NewStore(ctx, bookmarks.StoreConfig{Service: h.services.Bookmarks, Feed: h.feed, OnError: l.reportError, Logger: l.logger})
		if err != nil {
			l.logger.Error("failed to open bookmark store", zap.Error(err))
		} else {
			scope.Defer(marks.Close)
			stores.bookmarks = marks
			watch(scope, l, streamBookmarks, marks.Bookmarks())
			watchDegraded(scope, l, streamBookmarks, marks.Degraded())
		}
	}

	if h.services.Profiles != nil {
		owner, err := profile.NewStore(ctx, profile.StoreConfig{
			Service:  h.services.Profiles,
			Feed:     h.feed,
			Snippets: mine.Snippets(),
			OnError:  l.reportError,
			Logger:   l.logger,
		})
		if err != nil {
			l.logger.Error("failed to open profile store", zap.Error(err))
		} else {
			scope.Defer(owner.Close)
			stores.profile = owner
			watch(scope, l, streamProfile, owner.Profile())
			watch(scope, l, streamProfileStats, owner.Stats())
			watchDegraded(scope, l, streamProfile, owner.Degraded())
		}
	}

	scope.Defer(stores.closeWatches)
	scope.Defer(func() {
		l.mu.Lock()
		if l.stores == stores {
			l.stores = nil
		}
		l.mu.Unlock()
	})
	l.mu.Lock()
	l.stores = stores
	l.mu.Unlock()
}

// current returns the stores of the signed-in identity, or nil.
func (l *liveConn) current() *scopeStores {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stores == nil || l.stores.scope.Closed() {
		return nil
	}
	return l.stores
}

func (l *liveConn) readLoop() {
	l.conn.SetReadLimit(liveReadLimitBytes)
	_ = l.conn.SetReadDeadline(time.Now().Add(livePongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Info("live connection closed", zap.Error(err))
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(livePongWait))
		var command liveCommand
		if err := json.Unmarshal(data, &command); err != nil {
			result := apperror.Result{Success: false, Error: liveMalformedMsg, Kind: apperror.KindValidation}
			l.push(liveMessage{Type: messageReply, Result: &result})
			continue
		}
		l.dispatch(command)
	}
}

func (l *liveConn) dispatch(command liveCommand) {
	ctx, cancel := context.WithTimeout(l.ctx, liveCommandTimeout)
	defer cancel()

	run, ok := liveCommands[command.Op]
	if !ok {
		result := apperror.Result{Success: false, Error: liveUnknownCommandMsg, Kind: apperror.KindValidation}
		l.push(liveMessage{Type: messageReply, ID: command.ID, Result: &result})
		return
	}
	data, result := run(l.session.Context(ctx), l, command.Args)
	l.push(liveMessage{Type: messageReply, ID: command.ID, Result: &result, Data: data})
}

func (l *liveConn) writeLoop() {
	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case message := <-l.outbound:
			_ = l.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := l.conn.WriteJSON(message); err != nil {
				l.logger.Info("live write failed", zap.Error(err))
				l.cancel()
				_ = l.conn.Close()
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				l.cancel()
				_ = l.conn.Close()
				return
			}
		}
	}
}

// push queues message for the writer. It drops the message once the
// connection is gone.
func (l *liveConn) push(message liveMessage) {
	select {
	case l.outbound <- message:
	case <-l.ctx.Done():
	}
}

func (l *liveConn) reportError(err error) {
	l.logger.Warn("live query failed", zap.Error(err))
}

// Defer registers fn to run when the connection closes.
func (l *liveConn) Defer(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn()
		return false
	}
	l.closers = append(l.closers, fn)
	l.mu.Unlock()
	return true
}

func (l *liveConn) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	l.cancel()
	_ = l.conn.Close()
}

// watch pushes a snapshot of value now and after every change until owner
// releases it.
func watch[T any](owner deferrer, live *liveConn, stream string, value *reactive.Value[T]) {
	stop := value.Subscribe(func(next T) {
		live.push(liveMessage{Type: messageSnapshot, Stream: stream, Data: next})
	})
	owner.Defer(stop)
}

// watchDegraded reports query failures and recoveries on stream.
func watchDegraded(owner deferrer, live *liveConn, stream string, value *reactive.Value[error]) {
	first := true
	stop := value.Subscribe(func(err error) {
		if first {
			first = false
			if err == nil {
				return
			}
		}
		message := liveMessage{Type: messageDegraded, Stream: stream}
		if err != nil {
			message.Error = apperror.MessageOf(err)
		}
		live.push(message)
	})
	owner.Defer(stop)
}

// watchOnce opens a keyed per-snippet or per-request watch inside the scope.
// Opening an already open key is a no-op.
func (s *scopeStores) watchOnce(key string, open func() (func(), error)) error {
	s.mu.Lock()
	if _, ok := s.watches[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	closeFn, err := open()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.watches[key]; ok || s.scope.Closed() {
		s.mu.Unlock()
		closeFn()
		return nil
	}
	s.watches[key] = closeFn
	s.mu.Unlock()
	return nil
}

func (s *scopeStores) unwatch(key string) bool {
	s.mu.Lock()
	closeFn, ok := s.watches[key]
	delete(s.watches, key)
	s.mu.Unlock()
	if ok {
		closeFn()
	}
	return ok
}

func (s *scopeStores) closeWatches() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]func())
	s.mu.Unlock()
	for _, closeFn := range watches {
		closeFn()
	}
}

// watchGroup collects the cleanups of one keyed watch.
type watchGroup struct {
	stops []func()
}

func (g *watchGroup) Defer(fn func()) bool {
	g.stops = append(g.stops, fn)
	return true
}

func (g *watchGroup) release() {
	for i := len(g.stops) - 1; i >= 0; i-- {
		g.stops[i]()
	}
}
