package profile

import (
	"fmt"
	"sort"
	"time"

	"github.com/kabili207/beetlelink/core/frame"
)

// Frame kinds used by the deployed firmware.
const (
	KindHello    frame.Kind = 'S'
	KindHelloAck frame.Kind = 'C'
	KindAck      frame.Kind = 'A'
	KindShoot    frame.Kind = 'G'
	KindSample   frame.Kind = 'D'
	KindUpdate   frame.Kind = 'U'
	KindKick     frame.Kind = 'K'
)

var builtins = map[string]func() *Profile{
	"vest":  Vest,
	"glove": Glove,
	"leg":   Leg,
	"hand":  Hand,
}

// Builtin returns a fresh copy of the named built-in profile.
func Builtin(name string) (*Profile, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device type %q", ErrInvalidProfile, name)
	}
	return fn(), nil
}

// BuiltinNames lists the built-in device types.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func baseKinds() Kinds {
	return Kinds{Hello: KindHello, HelloAck: KindHelloAck, Ack: KindAck}
}

// Vest receives health and shield updates and drives hit feedback.
func Vest() *Profile {
	p := &Profile{
		Name:            "vest",
		Kinds:           baseKinds(),
		SequenceModulus: 100,
		Updates:         UpdateVitals,
		Layout: Layout{
			FieldHealth: 0,
			FieldShield: 1,
			FieldAction: 2,
		},
	}
	p.Kinds.Update = KindUpdate
	p.ApplyDefaults()
	return p
}

// Glove streams gesture motion bursts, reports shots and receives ammo.
func Glove() *Profile {
	p := &Profile{
		Name:  "glove",
		Kinds: baseKinds(),
		Events: []EventSpec{
			{Kind: KindShoot, Action: "gun", HitOffset: 0},
		},
		SequenceModulus: 100,
		BatchLength:     59,
		StaleStartIndex: 5,
		MinSamples:      55,
		Updates:         UpdateAmmo,
		Layout: Layout{
			FieldBullets: 3,
			FieldReload:  4,
		},
		HelloFromEvents: true,
	}
	p.Kinds.Update = KindUpdate
	p.Kinds.Sample = KindSample
	p.ApplyDefaults()
	return p
}

// Leg reports kicks only.
func Leg() *Profile {
	p := &Profile{
		Name:  "leg",
		Kinds: baseKinds(),
		Events: []EventSpec{
			{Kind: KindKick, Action: "soccer", HitOffset: -1},
		},
		HelloFromEvents: true,
		AckTimeout:      150 * time.Millisecond,
	}
	p.ApplyDefaults()
	return p
}

// Hand is the earlier combined gun unit: shots, motion and ammo.
func Hand() *Profile {
	p := &Profile{
		Name:  "hand",
		Kinds: baseKinds(),
		Events: []EventSpec{
			{Kind: KindShoot, Action: "gun", HitOffset: 0},
		},
		SequenceModulus: 100,
		BatchLength:     60,
		Updates:         UpdateAmmo,
		Layout: Layout{
			FieldBullets: 2,
		},
		HelloFromEvents: true,
	}
	p.Kinds.Update = KindUpdate
	p.Kinds.Sample = KindSample
	p.ApplyDefaults()
	return p
}
