package relay

import (
	"fmt"

	"github.com/kabili207/beetlelink/core/batch"
)

// IMUMessage is a completed motion batch, one array per channel, for the
// gesture classifier.
type IMUMessage struct {
	AX        []int16 `json:"ax"`
	AY        []int16 `json:"ay"`
	AZ        []int16 `json:"az"`
	GX        []int16 `json:"gx"`
	GY        []int16 `json:"gy"`
	GZ        []int16 `json:"gz"`
	PlayerID  int     `json:"player_id"`
	IMUDevice string  `json:"imu_device"`
}

// NewIMUMessage splits a batch into per-channel arrays.
func NewIMUMessage(b *batch.Batch, playerID int, device string) IMUMessage {
	return IMUMessage{
		AX:        b.Channel(batch.AccelX),
		AY:        b.Channel(batch.AccelY),
		AZ:        b.Channel(batch.AccelZ),
		GX:        b.Channel(batch.GyroX),
		GY:        b.Channel(batch.GyroY),
		GZ:        b.Channel(batch.GyroZ),
		PlayerID:  playerID,
		IMUDevice: device,
	}
}

// ActionMessage reports a peripheral event to the game engine.
type ActionMessage struct {
	Action     bool   `json:"action"`
	ActionType string `json:"action_type"`
	Hit        *bool  `json:"hit,omitempty"`
	PlayerID   int    `json:"player_id"`
}

// StatusMessage reports device connectivity to the game engine, keyed by
// player ("p1") and then by "<device>_connected".
type StatusMessage struct {
	GameState map[string]map[string]bool `json:"game_state"`
	Update    bool                       `json:"update"`
}

// NewStatusMessage builds a connectivity report for one device type.
func NewStatusMessage(playerID int, deviceType string, connected bool) StatusMessage {
	return StatusMessage{
		GameState: map[string]map[string]bool{
			PlayerKey(playerID): {deviceType + "_connected": connected},
		},
		Update: true,
	}
}

// GameStateMessage is the game engine's broadcast of the current state.
type GameStateMessage struct {
	GameState map[string]PlayerState `json:"game_state"`
	// Action is the action that caused the broadcast, performed by the
	// player in PlayerID.
	Action   *string `json:"action"`
	PlayerID *int    `json:"player_id"`
	// Update asks every relay to re-publish its connectivity.
	Update bool `json:"update"`
}

// PlayerState is one player's entry in a game-state broadcast.
type PlayerState struct {
	HP                *int `json:"hp"`
	ShieldHP          *int `json:"shield_hp"`
	Bullets           *int `json:"bullets"`
	Audio             *int `json:"audio"`
	OpponentHit       bool `json:"opponent_hit"`
	OpponentShieldHit bool `json:"opponent_shield_hit"`
}

// PlayerKey returns the game-state key of a player.
func PlayerKey(playerID int) string {
	return fmt.Sprintf("p%d", playerID)
}
