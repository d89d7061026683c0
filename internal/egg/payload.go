package egg

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	researchSoulFood      = "soul_food"
	researchProphecyBonus = "prophecy_bonus"
)

// Payload holds the fields read from a first-contact response. Pointer fields are nil
// when the provider left them out.
type Payload struct {
	ExternalID         string
	DisplayName        *string
	BoostsUsed         *int64
	SoulEggs           *float64
	EggsOfProphecy     *int64
	TruthEggs          *int64
	GoldenEggsEarned   *int64
	GoldenEggsSpent    *int64
	GoldenEggsBalance  *int64
	CraftingXP         *float64
	SoulFoodLevel      *int64
	ProphecyBonusLevel *int64
}

// ParsePayload extracts the consumed fields from a provider response in protobuf JSON
// form. Both lowerCamel and snake_case field names are accepted.
func ParsePayload(raw []byte, requestedID string) (Payload, error) {
	if !gjson.ValidBytes(raw) {
		return Payload{}, fmt.Errorf("%w: payload is not valid JSON", ErrUpstream)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Payload{}, fmt.Errorf("%w: payload is not an object", ErrUpstream)
	}
	if code := lookup(root, "errorCode", "error_code"); code.Exists() && code.Int() != 0 {
		msg := lookup(root, "errorMessage", "error_message").String()
		return Payload{}, fmt.Errorf("%w: provider error %d: %s", ErrUpstream, code.Int(), msg)
	}

	backup := root.Get("backup")
	game := backup.Get("game")

	var p Payload
	p.ExternalID = firstNonBlank(
		lookup(root, "eiUserId", "ei_user_id").String(),
		lookup(backup, "eiUserId", "ei_user_id").String(),
		requestedID,
	)
	if name := lookup(backup, "userName", "user_name"); name.Exists() {
		s := name.String()
		p.DisplayName = &s
	}
	p.BoostsUsed = intField(lookup(backup.Get("stats"), "boostsUsed", "boosts_used"))

	if d := lookup(game, "soulEggsD", "soul_eggs_d"); d.Exists() {
		v := d.Float()
		p.SoulEggs = &v
	} else if se := lookup(game, "soulEggs", "soul_eggs"); se.Exists() {
		v := se.Float()
		p.SoulEggs = &v
	}
	p.EggsOfProphecy = intField(lookup(game, "eggsOfProphecy", "eggs_of_prophecy"))

	var truth int64
	lookup(backup.Get("virtue"), "eovEarned", "eov_earned").ForEach(func(_, v gjson.Result) bool {
		truth += v.Int()
		return true
	})
	p.TruthEggs = &truth

	p.GoldenEggsEarned = intField(lookup(game, "goldenEggsEarned", "golden_eggs_earned"))
	p.GoldenEggsSpent = intField(lookup(game, "goldenEggsSpent", "golden_eggs_spent"))
	if p.GoldenEggsEarned != nil || p.GoldenEggsSpent != nil {
		balance := deref(p.GoldenEggsEarned) - deref(p.GoldenEggsSpent)
		p.GoldenEggsBalance = &balance
	}

	if xp := lookup(backup.Get("artifacts"), "craftingXp", "crafting_xp"); xp.Exists() {
		v := xp.Float()
		p.CraftingXP = &v
	}

	research := lookup(game, "epicResearch", "epic_research")
	p.SoulFoodLevel = researchLevel(research, researchSoulFood)
	p.ProphecyBonusLevel = researchLevel(research, researchProphecyBonus)

	return p, nil
}

func researchLevel(items gjson.Result, id string) *int64 {
	var level *int64
	items.ForEach(func(_, item gjson.Result) bool {
		if !strings.EqualFold(item.Get("id").String(), id) {
			return true
		}
		// A listed item with no level has not been bought yet.
		v := item.Get("level").Int()
		level = &v
		return false
	})
	return level
}

func lookup(r gjson.Result, names ...string) gjson.Result {
	for _, name := range names {
		if v := r.Get(name); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func intField(r gjson.Result) *int64 {
	if !r.Exists() {
		return nil
	}
	v := r.Int()
	return &v
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
