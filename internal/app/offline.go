package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/config"
	"go.uber.org/zap"
)

// ErrOffline is returned by the offline service for every network operation.
var ErrOffline = errors.New("channel service unavailable: running offline")

// OfflineService is the channel.Service used when no transport is wired in.
// The cache stays fully readable; creating or connecting fails.
type OfflineService struct {
	server config.Server
	logger *zap.Logger
}

func NewOfflineService(server config.Server, logger *zap.Logger) *OfflineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineService{server: server, logger: logger}
}

func (s *OfflineService) Create(context.Context, string) (channel.Handle, error) {
	s.logger.Warn("create refused", zap.String("server", s.server.ChannelURL))
	return channel.Handle{}, ErrOffline
}

func (s *OfflineService) Connect(_ context.Context, _ func(channel.Message), _ json.RawMessage, channelID string) (channel.Socket, error) {
	s.logger.Warn("connect refused", zap.String("channel_id", channelID), zap.String("server", s.server.ChannelWS))
	return nil, ErrOffline
}
