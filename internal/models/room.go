package models

import "time"

// RoomMetadata stores information about a registered room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID   string    `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt   time.Time `json:"createdAt"`
	MaxPlayers  int       `json:"maxPlayers"`
	PlayerCount int       `json:"playerCount"`
	AdHoc       bool      `json:"adHoc,omitempty"` // Not registered; derived from a session id
}

// CreateRoomRequest is the request body for creating a room. SessionID lets
// the caller pin the room id to the session both participants navigate to.
type CreateRoomRequest struct {
	SessionID  string `json:"sessionId,omitempty" binding:"omitempty,max=128"`
	MaxPlayers int    `json:"maxPlayers" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// RoomTokenResponse carries a short-lived capability to join one room.
type RoomTokenResponse struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
