package relay

import (
	"github.com/kabili207/beetlelink/core/profile"
)

// Game-engine action names the translation reacts to.
const (
	ActionShield = "shield"
	ActionReload = "reload"
)

// Translate turns a game-state broadcast into the update for one of
// playerID's peripherals. ok is false when the broadcast carries nothing
// the peripheral consumes.
//
// Vitals updates need both hp and shield_hp. The feedback action is
// "shield" when this player raised a shield, "damaged" when another
// player's action hit this player, and none otherwise. Ammo updates need
// bullets and set the reload flag only for this player's own reload.
func Translate(rule profile.UpdateRule, playerID int, msg *GameStateMessage) (u profile.Update, ok bool) {
	me, found := msg.GameState[PlayerKey(playerID)]
	if !found {
		return u, false
	}

	action := ""
	if msg.Action != nil {
		action = *msg.Action
	}
	byMe := msg.PlayerID != nil && *msg.PlayerID == playerID
	if me.Audio != nil {
		u.Audio = clampByte(*me.Audio)
	}

	switch rule {
	case profile.UpdateVitals:
		if me.HP == nil || me.ShieldHP == nil {
			return u, false
		}
		u.Health = clampByte(*me.HP)
		u.Shield = clampByte(*me.ShieldHP)
		u.Action = profile.ActionNone
		switch {
		case msg.Action == nil:
		case byMe && action == ActionShield:
			u.Action = profile.ActionShield
		case !byMe && msg.PlayerID != nil && actorHit(msg, *msg.PlayerID):
			u.Action = profile.ActionDamaged
		}
		return u, true

	case profile.UpdateAmmo:
		if me.Bullets == nil {
			return u, false
		}
		u.Bullets = clampByte(*me.Bullets)
		u.Reload = byMe && action == ActionReload
		return u, true
	}
	return u, false
}

// actorHit reports whether the acting player's action landed on its
// opponent.
func actorHit(msg *GameStateMessage, actor int) bool {
	st, ok := msg.GameState[PlayerKey(actor)]
	return ok && (st.OpponentHit || st.OpponentShieldHit)
}

func clampByte(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}
