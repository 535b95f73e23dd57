package profile

import (
	"fmt"
	"sort"
)

// Field is one game-state value carried in an UPDATE payload.
type Field int

const (
	FieldHealth Field = iota
	FieldShield
	FieldAction
	FieldBullets
	FieldReload
	FieldAudio
)

var fieldNames = map[Field]string{
	FieldHealth:  "hp",
	FieldShield:  "shield_hp",
	FieldAction:  "action",
	FieldBullets: "bullets",
	FieldReload:  "reload",
	FieldAudio:   "audio",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseField resolves a field by its configuration name.
func ParseField(name string) (Field, error) {
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown update field %q", name)
}

// Vest feedback action codes.
const (
	ActionNone    uint8 = 0
	ActionDamaged uint8 = 1
	ActionShield  uint8 = 2
)

// Update is the game state pushed to a peripheral. Which fields reach the
// wire is decided by the peripheral's Layout.
type Update struct {
	Health  uint8
	Shield  uint8
	Action  uint8
	Bullets uint8
	Reload  bool
	Audio   uint8
}

func (u Update) value(f Field) uint8 {
	switch f {
	case FieldHealth:
		return u.Health
	case FieldShield:
		return u.Shield
	case FieldAction:
		return u.Action
	case FieldBullets:
		return u.Bullets
	case FieldReload:
		if u.Reload {
			return 1
		}
		return 0
	case FieldAudio:
		return u.Audio
	}
	return 0
}

// Layout maps update fields to byte offsets within the UPDATE payload.
// Each field occupies one byte; unmapped bytes are zero.
type Layout map[Field]int

// Encode renders u into a payload of the given width.
func (l Layout) Encode(u Update, payloadSize int) ([]byte, error) {
	if err := l.validate(payloadSize); err != nil {
		return nil, err
	}
	payload := make([]byte, payloadSize)
	for f, off := range l {
		payload[off] = u.value(f)
	}
	return payload, nil
}

// Fields returns the mapped fields in offset order.
func (l Layout) Fields() []Field {
	fields := make([]Field, 0, len(l))
	for f := range l {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return l[fields[i]] < l[fields[j]] })
	return fields
}

func (l Layout) validate(payloadSize int) error {
	used := make(map[int]Field, len(l))
	for f, off := range l {
		if off < 0 || off >= payloadSize {
			return fmt.Errorf("field %s offset %d outside payload width %d", f, off, payloadSize)
		}
		if prev, ok := used[off]; ok {
			return fmt.Errorf("fields %s and %s share offset %d", prev, f, off)
		}
		used[off] = f
	}
	return nil
}

func (l Layout) clone() Layout {
	if l == nil {
		return nil
	}
	c := make(Layout, len(l))
	for f, off := range l {
		c[f] = off
	}
	return c
}
