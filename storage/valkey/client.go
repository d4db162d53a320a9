package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/authz-server/storage"
)

// clientJSON is the JSON representation of a client
type clientJSON struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            string        `json:"type"`
	SecretHash      string        `json:"secret_hash,omitempty"`
	RedirectURI     string        `json:"redirect_uri,omitempty"`
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	CreatedAt       time.Time     `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ID:              c.ID,
		Name:            c.Name,
		Type:            c.Type.Name(),
		SecretHash:      storage.SecretHashOf(c.Type),
		RedirectURI:     c.RedirectURI,
		AccessTokenTTL:  c.AccessTokenTTL,
		RefreshTokenTTL: c.RefreshTokenTTL,
		CreatedAt:       c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) (*storage.Client, error) {
	clientType, err := storage.ClientTypeFromName(j.Type, j.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", j.ID, err)
	}
	return &storage.Client{
		ID:              j.ID,
		Name:            j.Name,
		Type:            clientType,
		RedirectURI:     j.RedirectURI,
		AccessTokenTTL:  j.AccessTokenTTL,
		RefreshTokenTTL: j.RefreshTokenTTL,
		CreatedAt:       j.CreatedAt,
	}, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if client.Type == nil {
		return fmt.Errorf("client type cannot be empty")
	}
	if len(client.ID) > MaxIDLength {
		return errInputTooLarge
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.clientKey(client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
	}

	err = s.client.ZAdd(ctx, s.clientIndexKey(), redis.Z{
		Score:  float64(client.CreatedAt.UnixNano()),
		Member: client.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.Type.Name())
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j)
}

// ListClients returns all clients ordered by creation time
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.ZRange(ctx, s.clientIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}
