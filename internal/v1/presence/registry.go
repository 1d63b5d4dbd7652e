// Package presence tracks logged-in users: their connection, display name,
// avatar id, and heartbeat liveness. It owns the online roster and broadcasts
// online_users_update to every login connection after each membership change.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/protocol"
	"github.com/screenway/relay/internal/v1/types"
)

var (
	// ErrEmptyUserID rejects logins without an id.
	ErrEmptyUserID = errors.New("user id must not be empty")
	// ErrEmptyName rejects logins without a display name.
	ErrEmptyName = errors.New("display name must not be empty")
)

// User is one presence record.
type User struct {
	ID            types.UserIDType
	Name          types.DisplayNameType
	IconID        int
	ConnID        types.ConnIDType
	LoginAt       time.Time
	LastHeartbeat int64 // unix milliseconds
}

type record struct {
	user User
	conn types.Conn
}

// Registry is the process-wide user directory. All compound operations
// (login evicting a prior connection, sweep then broadcast) run under one
// mutex so no intermediate state is observable.
type Registry struct {
	mu    sync.RWMutex
	users map[types.UserIDType]*record
	conns map[types.ConnIDType]types.Conn // every open login-channel connection

	window  time.Duration // liveness window for Online and the sweep
	version uint64        // bumped on every roster change

	store   SnapshotStore
	pending chan snapshotRequest
	closeFn sync.Once
}

type snapshotRequest struct {
	version uint64
	entries []protocol.RosterEntry
}

// NewRegistry creates a registry with the given liveness window. store may be
// nil, which disables roster persistence.
func NewRegistry(window time.Duration, store SnapshotStore) *Registry {
	r := &Registry{
		users:  make(map[types.UserIDType]*record),
		conns:  make(map[types.ConnIDType]types.Conn),
		window: window,
		store:  store,
	}
	if store != nil {
		r.pending = make(chan snapshotRequest, 1)
		go r.persistLoop(r.pending)
	}
	return r
}

// Close stops the background persister. Safe to call more than once.
func (r *Registry) Close() {
	r.closeFn.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending != nil {
			close(r.pending)
			r.pending = nil
		}
	})
}

// AddConn registers an open login-channel connection so it receives roster
// broadcasts, whether or not it ever logs in.
func (r *Registry) AddConn(ctx context.Context, conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.GetID()] = conn
	logging.GetLogger().Debug("Login channel connected",
		zap.String("connId", string(conn.GetID())),
		zap.String("remoteAddr", conn.GetRemoteAddr()))
}

// Login validates and inserts a presence record. A prior connection holding
// the same user id is closed and replaced; the record's heartbeat resets to
// now. The updated roster is broadcast before Login returns.
func (r *Registry) Login(ctx context.Context, conn types.Conn, id types.UserIDType, name types.DisplayNameType, iconID int) (User, error) {
	if id == "" {
		return User{}, ErrEmptyUserID
	}
	if name == "" {
		return User{}, ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.users[id]; ok && prior.conn.GetID() != conn.GetID() {
		logging.Info(ctx, "Duplicate login, evicting prior connection",
			zap.String("userId", string(id)),
			zap.String("oldConnId", string(prior.conn.GetID())),
			zap.String("newConnId", string(conn.GetID())))
		metrics.Evictions.WithLabelValues("duplicate_login").Inc()
		prior.conn.CloseWithReason("logged in from another connection")
	}

	user := User{
		ID:            id,
		Name:          name,
		IconID:        types.SanitizeIconID(iconID),
		ConnID:        conn.GetID(),
		LoginAt:       time.Now(),
		LastHeartbeat: time.Now().UnixMilli(),
	}
	r.users[id] = &record{user: user, conn: conn}
	conn.SetUserID(id)

	metrics.Logins.Inc()
	metrics.OnlineUsers.Set(float64(len(r.users)))
	logging.Info(ctx, "User logged in",
		zap.String("userId", string(id)),
		zap.String("name", string(name)),
		zap.Int("iconId", user.IconID))

	r.rosterChangedLocked(ctx)
	return user, nil
}

// LogoutConn removes the user bound to this connection. A connection that was
// already replaced by a newer login no longer owns its user id, so its logout
// (or disconnect) must not touch the newer record.
func (r *Registry) LogoutConn(ctx context.Context, conn types.Conn) (User, bool) {
	uid := conn.GetUserID()
	if uid == "" {
		return User{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[uid]
	if !ok || rec.conn.GetID() != conn.GetID() {
		return User{}, false
	}

	delete(r.users, uid)
	conn.SetUserID("")
	metrics.OnlineUsers.Set(float64(len(r.users)))
	logging.Info(ctx, "User logged out", zap.String("userId", string(uid)))

	r.rosterChangedLocked(ctx)
	return rec.user, true
}

// HandleDisconnect runs the close-path cleanup for a login connection: drop
// its roster subscription and log out the user it was bound to, if any.
func (r *Registry) HandleDisconnect(ctx context.Context, conn types.Conn) {
	r.mu.Lock()
	delete(r.conns, conn.GetID())
	r.mu.Unlock()

	r.LogoutConn(ctx, conn)
}

// Touch refreshes the user's heartbeat. Returns false for unknown users.
func (r *Registry) Touch(userID types.UserIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userID]
	if !ok {
		return false
	}
	rec.user.LastHeartbeat = time.Now().UnixMilli()
	return true
}

// Find returns the connection bound to userID, if the user is logged in.
func (r *Registry) Find(userID types.UserIDType) (types.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// Online reports whether userID is logged in and heartbeating within the
// liveness window.
func (r *Registry) Online(userID types.UserIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.users[userID]
	if !ok {
		return false
	}
	return time.Now().UnixMilli()-rec.user.LastHeartbeat <= r.window.Milliseconds()
}

// Roster returns the current online users sorted by id.
func (r *Registry) Roster() []protocol.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

// RosterBrief returns the roster without avatar ids, for the online_users
// unicast reply.
func (r *Registry) RosterBrief() []protocol.OnlineUserBrief {
	r.mu.RLock()
	defer r.mu.RUnlock()

	brief := make([]protocol.OnlineUserBrief, 0, len(r.users))
	for _, rec := range r.users {
		brief = append(brief, protocol.OnlineUserBrief{
			ID:   string(rec.user.ID),
			Name: string(rec.user.Name),
		})
	}
	sort.Slice(brief, func(i, j int) bool { return brief[i].ID < brief[j].ID })
	return brief
}

// Count returns the number of logged-in users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// SweepExpired evicts every user whose heartbeat is older than the liveness
// window, closing their connections. One roster broadcast follows if anything
// was removed. Returns the evicted users.
func (r *Registry) SweepExpired(ctx context.Context) []User {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []User
	for id, rec := range r.users {
		if rec.user.LastHeartbeat > 0 && now-rec.user.LastHeartbeat > r.window.Milliseconds() {
			evicted = append(evicted, rec.user)
			delete(r.users, id)
			metrics.Evictions.WithLabelValues("heartbeat_timeout").Inc()
			logging.Info(ctx, "Heartbeat timeout, evicting user",
				zap.String("userId", string(id)),
				zap.Int64("lastHeartbeat", rec.user.LastHeartbeat))
			rec.conn.CloseWithReason("heartbeat timeout")
		}
	}

	if len(evicted) > 0 {
		metrics.OnlineUsers.Set(float64(len(r.users)))
		r.rosterChangedLocked(ctx)
	}
	return evicted
}

// rosterLocked snapshots the roster sorted by id. Caller holds r.mu.
func (r *Registry) rosterLocked() []protocol.RosterEntry {
	entries := make([]protocol.RosterEntry, 0, len(r.users))
	for _, rec := range r.users {
		entries = append(entries, protocol.RosterEntry{
			ID:     string(rec.user.ID),
			Name:   string(rec.user.Name),
			IconID: rec.user.IconID,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// rosterChangedLocked serializes the roster once, fans it out to every login
// connection, and queues a persistence write. Caller holds r.mu.
func (r *Registry) rosterChangedLocked(ctx context.Context) {
	r.version++
	entries := r.rosterLocked()
	payload := protocol.BuildOnlineUsersUpdate(entries)

	for _, conn := range r.conns {
		conn.SendText(payload)
	}
	metrics.RosterBroadcasts.Inc()
	logging.GetLogger().Debug("Roster broadcast",
		zap.Uint64("version", r.version),
		zap.Int("users", len(entries)),
		zap.Int("recipients", len(r.conns)))

	r.queuePersist(snapshotRequest{version: r.version, entries: entries})
}

// queuePersist hands the latest roster to the persister, replacing any write
// that is still waiting. Only the newest version matters.
func (r *Registry) queuePersist(req snapshotRequest) {
	if r.pending == nil {
		return
	}
	for {
		select {
		case r.pending <- req:
			return
		default:
			select {
			case <-r.pending:
			default:
			}
		}
	}
}

func (r *Registry) persistLoop(pending <-chan snapshotRequest) {
	for req := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.SaveRoster(ctx, req.entries); err != nil {
			logging.Warn(ctx, "Roster snapshot write failed",
				zap.Uint64("version", req.version), zap.Error(err))
		}
		cancel()
	}
}
