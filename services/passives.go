package services

import (
	"fmt"
	"math"
)

type UpgradeKind string

const (
	UpgradeHealth     UpgradeKind = "health"
	UpgradeDamage     UpgradeKind = "damage"
	UpgradeCritChance UpgradeKind = "crit_chance"
	UpgradeCritDamage UpgradeKind = "crit_damage"
)

// upgradeSpec is the shop price and effect of one purchasable upgrade.
type upgradeSpec struct {
	Cost  int
	Value float64
}

var upgradeTable = map[UpgradeKind]upgradeSpec{
	UpgradeHealth:     {Cost: 10, Value: 20},
	UpgradeDamage:     {Cost: 15, Value: 5},
	UpgradeCritChance: {Cost: 20, Value: 0.05},
	UpgradeCritDamage: {Cost: 25, Value: 0.2},
}

type PassiveKind string

const (
	PassiveHealth     PassiveKind = "health"
	PassiveDamage     PassiveKind = "damage"
	PassiveHealFull   PassiveKind = "heal_full"
	PassiveGold       PassiveKind = "gold"
	PassiveCritDamage PassiveKind = "crit_damage" // percent points of crit multiplier
	PassiveCritChance PassiveKind = "crit_chance" // percent points of crit chance
)

// PassiveUpgrade is a one-shot bonus picked after a normal victory.
type PassiveUpgrade struct {
	Kind  PassiveKind `json:"kind"`
	Value int         `json:"value"`
}

// passiveRanges are the values the client may offer for each kind, inclusive.
var passiveRanges = map[PassiveKind][2]int{
	PassiveHealth:     {25, 54},
	PassiveDamage:     {10, 29},
	PassiveHealFull:   {0, 0},
	PassiveGold:       {3, 3},
	PassiveCritDamage: {5, 19},
	PassiveCritChance: {2, 6},
}

func (p PassiveUpgrade) Validate() error {
	r, ok := passiveRanges[p.Kind]
	if !ok {
		return withMessage(ErrInvalidPayload, "unknown passive upgrade %q", p.Kind)
	}
	if p.Kind == PassiveHealFull {
		return nil
	}
	if p.Value < r[0] || p.Value > r[1] {
		return withMessage(ErrInvalidPayload, "passive %s value %d outside [%d, %d]", p.Kind, p.Value, r[0], r[1])
	}
	return nil
}

type BossPassiveKind string

const (
	BossPassiveHealPercent BossPassiveKind = "heal_percent"
	BossPassiveDamage      BossPassiveKind = "damage"
	BossPassiveMaxHealth   BossPassiveKind = "max_health"
)

// BossPassive is picked after a boss victory and re-applied after every later victory.
type BossPassive struct {
	Kind BossPassiveKind `json:"kind"`
}

func (b BossPassive) Validate() error {
	switch b.Kind {
	case BossPassiveHealPercent, BossPassiveDamage, BossPassiveMaxHealth:
		return nil
	default:
		return withMessage(ErrInvalidPayload, "unknown boss passive %q", b.Kind)
	}
}

func (b BossPassive) String() string {
	return fmt.Sprintf("boss:%s", b.Kind)
}

// apply mutates p in place.
func (u PassiveUpgrade) apply(p *PlayerState, maxCrit float64) {
	switch u.Kind {
	case PassiveHealth:
		p.MaxHealth += u.Value
		p.CurrentHealth += u.Value
	case PassiveDamage:
		p.Damage += u.Value
	case PassiveHealFull:
		p.CurrentHealth = p.MaxHealth
	case PassiveGold:
		p.Gold += u.Value
		p.GoldEarned += u.Value
	case PassiveCritDamage:
		p.CritMultiplier += float64(u.Value) / 100
	case PassiveCritChance:
		p.CritChance = math.Min(maxCrit, p.CritChance+float64(u.Value)/100)
	}
}

func (b BossPassive) apply(p *PlayerState) {
	switch b.Kind {
	case BossPassiveHealPercent:
		p.CurrentHealth += p.MaxHealth / 10
		if p.CurrentHealth > p.MaxHealth {
			p.CurrentHealth = p.MaxHealth
		}
	case BossPassiveDamage:
		p.Damage += 10
	case BossPassiveMaxHealth:
		p.MaxHealth += 25
	}
}
