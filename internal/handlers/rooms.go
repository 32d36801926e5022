package handlers

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/middleware"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	maxRoomIDLen   = 128
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

// CreateRoom registers a room (requires authentication). The room id is the
// caller's session id when given, so both participants of a session can
// derive it without another lookup.
func (s *Server) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = s.cfg.Relay.DefaultRoomCapacity
	}

	roomID := req.SessionID
	if roomID == "" {
		roomID = uuid.NewString()
	}

	room := models.RoomMetadata{
		ID:         roomID,
		Code:       generateRoomCode(),
		CreatorID:  userID,
		CreatedAt:  time.Now(),
		MaxPlayers: req.MaxPlayers,
	}

	if err := storeRoom(c.Request.Context(), room); err != nil {
		if errors.Is(err, ErrRoomExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "Room already exists"})
			return
		}
		logger.Error("failed to store room %s: %v", roomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	logger.Info("room created: %s (code: %s) by user %s", room.ID, room.Code, userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (s *Server) GetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	room, err := lookupRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}

	count, err := s.relay.Count(ctx, room.ID)
	if err != nil {
		logger.Warn("failed to count members of room %s: %v", room.ID, err)
	}
	room.PlayerCount = count

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (s *Server) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	ctx := c.Request.Context()

	room, err := lookupRoom(ctx, c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	if err := redis.GetClient().Del(ctx, redis.RoomKey(room.ID), redis.CodeKey(room.Code), redis.PeersKey(room.ID)).Err(); err != nil {
		logger.Error("failed to delete room %s: %v", room.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	logger.Info("room deleted: %s by user %s", room.ID, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// IssueRoomToken returns a short-lived token for the websocket relay of one
// room. Unregistered identifiers are treated as ad hoc session rooms.
func (s *Server) IssueRoomToken(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	room, err := s.resolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		s.roomError(c, err)
		return
	}

	token, expires, err := middleware.IssueRoomToken(s.cfg.JWTSecret, room.ID, userID, s.cfg.Relay.RoomTokenTTL)
	if err != nil {
		logger.Error("failed to sign room token for %s: %v", room.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.RoomTokenResponse{
		Token:     token,
		RoomID:    room.ID,
		ExpiresAt: expires,
	})
}

func (s *Server) roomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	default:
		logger.Error("room lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
	}
}

// resolveRoom finds a registered room by code or id, falling back to an ad
// hoc room named by identifier with the default capacity.
func (s *Server) resolveRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	room, err := lookupRoom(ctx, identifier)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrRoomNotFound) || identifier == "" || len(identifier) > maxRoomIDLen {
		return nil, err
	}
	return &models.RoomMetadata{
		ID:         identifier,
		MaxPlayers: s.cfg.Relay.DefaultRoomCapacity,
		AdHoc:      true,
	}, nil
}

// lookupRoom loads a registered room by code or id.
func lookupRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	client := redis.GetClient()
	roomID := identifier

	// Codes are short; ids are UUIDs or session ids.
	if len(identifier) == roomCodeLength {
		id, err := client.Get(ctx, redis.CodeKey(identifier)).Result()
		switch {
		case err == nil:
			roomID = id
		case !errors.Is(err, goredis.Nil):
			return nil, fmt.Errorf("resolve room code: %w", err)
		}
	}

	data, err := client.Get(ctx, redis.RoomKey(roomID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("parse room %s: %w", roomID, err)
	}
	return &room, nil
}

func storeRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	client := redis.GetClient()
	ok, err := client.SetNX(ctx, redis.RoomKey(room.ID), data, roomTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomExists
	}
	// Store code-to-ID mapping for easy lookup
	if err := client.Set(ctx, redis.CodeKey(room.Code), room.ID, roomTTL).Err(); err != nil {
		client.Del(ctx, redis.RoomKey(room.ID))
		return fmt.Errorf("store room code: %w", err)
	}
	return nil
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
