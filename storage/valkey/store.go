package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/authz-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authz:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers used in keys
	MaxIDLength = 256
)

// Script replies
const (
	replyOK              = "OK"
	replyNotFound        = "NOT_FOUND"
	replyAlreadyRedeemed = "ALREADY_REDEEMED"
	replyNotActive       = "NOT_ACTIVE"
	replyDuplicate       = "DUPLICATE"
	replyExists          = "EXISTS"
	replyChanged         = "CHANGED"
	replyUnchanged       = "UNCHANGED"
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authz:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store. Any server
// speaking the Redis protocol works.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	err := s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return err
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIndexKey returns the sorted set of client ids scored by creation time
func (s *Store) clientIndexKey() string {
	return s.prefix + "clients"
}

// grantKey returns {prefix}grant:{grantID}
func (s *Store) grantKey(grantID string) string {
	return fmt.Sprintf("%sgrant:%s", s.prefix, grantID)
}

// userGrantsKey returns {prefix}user_grants:{userID}
func (s *Store) userGrantsKey(userID string) string {
	return fmt.Sprintf("%suser_grants:%s", s.prefix, userID)
}

// grantSessionsKey returns {prefix}grant_sessions:{grantID}
func (s *Store) grantSessionsKey(grantID string) string {
	return fmt.Sprintf("%sgrant_sessions:%s", s.prefix, grantID)
}

// sessionKey returns {prefix}session:{sessionID}
func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, sessionID)
}

// accessIndexKey returns {prefix}access:{index}
func (s *Store) accessIndexKey(index string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, index)
}

// refreshIndexKey returns {prefix}refresh:{index}
func (s *Store) refreshIndexKey(index string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, index)
}

// sessionKeys returns KEYS[1..4] of the session insert scripts
func (s *Store) sessionKeys(session *storage.Session) []string {
	return []string{
		s.sessionKey(session.ID),
		s.accessIndexKey(session.AccessToken.Index),
		s.refreshIndexKey(session.RefreshToken.Index),
		s.grantSessionsKey(session.GrantID),
	}
}

// sessionArgs returns ARGV[1..7] of the session insert scripts
func sessionArgs(session *storage.Session) []any {
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		session.ID,
		session.GrantID,
		session.AccessToken.Index,
		session.AccessToken.Sealed,
		session.RefreshToken.Index,
		session.RefreshToken.Sealed,
		strconv.FormatInt(createdAt.UnixNano(), 10),
	}
}

func checkSession(session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.AccessToken.Index == "" || session.RefreshToken.Index == "" {
		return fmt.Errorf("session token indexes cannot be empty")
	}
	if len(session.ID) > MaxIDLength || len(session.AccessToken.Index) > MaxIDLength || len(session.RefreshToken.Index) > MaxIDLength {
		return errInputTooLarge
	}
	if session.AccessToken.Index == session.RefreshToken.Index {
		return storage.ErrDuplicateTokenID
	}
	return nil
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Every operation the storage interfaces mark as atomic runs as a single
// script, so concurrent callers are serialized by the server.

// luaSessionHelpers is prepended to every script that inserts a session.
//
// KEYS[1] = session key
// KEYS[2] = access index key
// KEYS[3] = refresh index key
// KEYS[4] = grant sessions list key
// ARGV[1..7] = id, grant_id, access index, access sealed, refresh index,
// refresh sealed, created_at
const luaSessionHelpers = `
local function session_conflict()
    return redis.call('EXISTS', KEYS[1]) == 1
        or redis.call('EXISTS', KEYS[2]) == 1
        or redis.call('EXISTS', KEYS[3]) == 1
end

local function insert_session()
    redis.call('HSET', KEYS[1],
        'id', ARGV[1],
        'grant_id', ARGV[2],
        'access_token_index', ARGV[3],
        'access_token_sealed', ARGV[4],
        'refresh_token_index', ARGV[5],
        'refresh_token_sealed', ARGV[6],
        'status', 'created',
        'created_at', ARGV[7])
    redis.call('SET', KEYS[2], ARGV[1])
    redis.call('SET', KEYS[3], ARGV[1])
    redis.call('RPUSH', KEYS[4], ARGV[1])
end
`

// luaActiveSession finds the newest created session of a grant.
const luaActiveSession = `
local function active_session(prefix, grantID)
    local ids = redis.call('LRANGE', prefix .. 'grant_sessions:' .. grantID, 0, -1)
    for i = #ids, 1, -1 do
        if redis.call('HGET', prefix .. 'session:' .. ids[i], 'status') == 'created' then
            return ids[i]
        end
    end
    return nil
end
`

// redeemGrantScript marks a grant redeemed and inserts its first session.
//
// KEYS[5] = grant key
var redeemGrantScript = redis.NewScript(luaSessionHelpers + `
if redis.call('EXISTS', KEYS[5]) == 0 then
    return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[5], 'redeemed') == '1' then
    return 'ALREADY_REDEEMED'
end
if session_conflict() then
    return 'DUPLICATE'
end
redis.call('HSET', KEYS[5], 'redeemed', '1')
insert_session()
return 'OK'
`)

// createSessionScript inserts a session for an existing grant.
//
// KEYS[5] = grant key
var createSessionScript = redis.NewScript(luaSessionHelpers + `
if redis.call('EXISTS', KEYS[5]) == 0 then
    return 'NOT_FOUND'
end
if session_conflict() then
    return 'DUPLICATE'
end
insert_session()
return 'OK'
`)

// rotateSessionScript is a compare-and-swap of the current session from
// created to refreshed followed by the insert of the next session.
//
// KEYS[5] = current session key
var rotateSessionScript = redis.NewScript(luaSessionHelpers + `
local status = redis.call('HGET', KEYS[5], 'status')
if not status then
    return 'NOT_FOUND'
end
if status ~= 'created' then
    return 'NOT_ACTIVE'
end
if redis.call('HGET', KEYS[5], 'grant_id') ~= ARGV[2] then
    return 'NOT_FOUND'
end
if session_conflict() then
    return 'DUPLICATE'
end
redis.call('HSET', KEYS[5], 'status', 'refreshed')
insert_session()
return 'OK'
`)

// updateSessionStatusScript applies a transition allowed by
// storage.SessionStatus.CanTransition.
//
// KEYS[1] = session key
// ARGV[1] = new status
var updateSessionStatusScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
    return 'NOT_FOUND'
end
local target = ARGV[1]
local allowed = false
if current == 'created' then
    allowed = target ~= 'created'
elseif current == 'expired' or current == 'refreshed' then
    allowed = target == 'revoked'
end
if not allowed then
    return 'UNCHANGED'
end
redis.call('HSET', KEYS[1], 'status', target)
return 'CHANGED'
`)

// revokeSessionCascadeScript revokes the grant's active session and the
// session itself. Returns {'OK', ids...} or {'NOT_FOUND'}.
//
// KEYS[1] = session key
// ARGV[1] = session id
// ARGV[2] = key prefix
var revokeSessionCascadeScript = redis.NewScript(luaActiveSession + `
local grantID = redis.call('HGET', KEYS[1], 'grant_id')
if not grantID then
    return {'NOT_FOUND'}
end
local revoked = {'OK'}
local active = active_session(ARGV[2], grantID)
if active and active ~= ARGV[1] then
    redis.call('HSET', ARGV[2] .. 'session:' .. active, 'status', 'revoked')
    table.insert(revoked, active)
end
if redis.call('HGET', KEYS[1], 'status') ~= 'revoked' then
    redis.call('HSET', KEYS[1], 'status', 'revoked')
    table.insert(revoked, ARGV[1])
end
return revoked
`)

// revokeActiveSessionScript revokes the grant's active session or, when
// none is active, the fallback session. Returns {'OK', id} or {'NOT_FOUND'}.
//
// KEYS[1] = fallback session key
// ARGV[1] = grant id
// ARGV[2] = fallback session id
// ARGV[3] = key prefix
var revokeActiveSessionScript = redis.NewScript(luaActiveSession + `
local active = active_session(ARGV[3], ARGV[1])
if active then
    redis.call('HSET', ARGV[3] .. 'session:' .. active, 'status', 'revoked')
    return {'OK', active}
end
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return {'NOT_FOUND'}
end
if status ~= 'revoked' then
    redis.call('HSET', KEYS[1], 'status', 'revoked')
end
return {'OK', ARGV[2]}
`)

// saveGrantScript stores a grant hash unless the id is taken.
//
// KEYS[1] = grant key
// KEYS[2] = user grants set key
// ARGV[1..10] = grant fields
var saveGrantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1],
    'id', ARGV[1],
    'kind', ARGV[2],
    'user_id', ARGV[3],
    'client_id', ARGV[4],
    'code_challenge', ARGV[5],
    'code_challenge_method', ARGV[6],
    'redirect_uri', ARGV[7],
    'expires_at', ARGV[8],
    'created_at', ARGV[9],
    'redeemed', ARGV[10])
redis.call('SADD', KEYS[2], ARGV[1])
return 'OK'
`)

// deleteGrantsForUserScript removes every grant of a user with its sessions
// and their index keys. Returns the number of grants removed.
//
// KEYS[1] = user grants set key
// ARGV[1] = key prefix
var deleteGrantsForUserScript = redis.NewScript(`
local deleted = 0
for _, grantID in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local listKey = ARGV[1] .. 'grant_sessions:' .. grantID
    for _, sessionID in ipairs(redis.call('LRANGE', listKey, 0, -1)) do
        local sessionKey = ARGV[1] .. 'session:' .. sessionID
        local idx = redis.call('HMGET', sessionKey, 'access_token_index', 'refresh_token_index')
        if idx[1] then
            redis.call('DEL', ARGV[1] .. 'access:' .. idx[1])
        end
        if idx[2] then
            redis.call('DEL', ARGV[1] .. 'refresh:' .. idx[2])
        end
        redis.call('DEL', sessionKey)
    end
    redis.call('DEL', listKey)
    deleted = deleted + redis.call('DEL', ARGV[1] .. 'grant:' .. grantID)
end
redis.call('DEL', KEYS[1])
return deleted
`)

// isNilError reports whether err is a missing key reply
func isNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}
