package services

import (
	"encoding/json"
	"errors"
	"testing"

	"idle-arena/config"
)

func neverCrit() float64  { return 0.99 }
func alwaysCrit() float64 { return 0 }

func fightToEnd(t *testing.T, e *CombatEngine) ActionResult {
	t.Helper()
	if _, err := e.StartFight(); err != nil {
		t.Fatalf("start fight: %v", err)
	}
	for i := 0; i < 100; i++ {
		res, err := e.Attack()
		if err != nil {
			t.Fatalf("attack: %v", err)
		}
		if res.Outcome != OutcomeNone {
			return res
		}
	}
	t.Fatal("fight did not end")
	return ActionResult{}
}

func TestNewEnemyScaling(t *testing.T) {
	cfg := config.Defaults[config.CombatConfig]()

	tests := []struct {
		level  int
		health int
		damage int
		boss   bool
		gold   int
	}{
		{0, 400, 100, false, 5},
		{1, 410, 104, false, 5},
		{5, 926, 150, true, 20},
		{10, 1124, 176, true, 20},
	}
	for _, tt := range tests {
		got := NewEnemy(cfg, tt.level)
		if got.MaxHealth != tt.health || got.CurrentHealth != tt.health || got.Damage != tt.damage ||
			got.IsBoss != tt.boss || got.GoldReward != tt.gold {
			t.Errorf("level %d: got %+v", tt.level, got)
		}
	}
}

func TestAttackOneHitVictory(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)

	res := fightToEnd(t, e)
	if res.Outcome != OutcomeVictory {
		t.Fatalf("expected victory, got %q", res.Outcome)
	}
	if res.DamageDealt != 200 || res.Critical {
		t.Fatalf("unexpected hit: %+v", res)
	}
	p := e.State()
	if p.Level != 1 || p.Gold != 5 || p.GoldEarned != 5 || p.EnemiesKilled != 1 || p.PendingPicks != 1 {
		t.Fatalf("unexpected player after victory: %+v", p)
	}
	if e.Phase() != PhaseIdle || e.Enemy() != nil {
		t.Fatal("engine should rest in idle after a victory")
	}
	if p.CurrentHealth != p.MaxHealth {
		t.Fatal("a one-hit kill should not cost health")
	}
}

func TestAttackCritical(t *testing.T) {
	e := NewCombatEngine(config.Defaults[config.CombatConfig](), alwaysCrit)
	if _, err := e.StartFight(); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := e.Attack()
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if !res.Critical || res.DamageDealt != 300 {
		t.Fatalf("expected a 300 damage crit, got %+v", res)
	}
	if res.Enemy == nil || res.Enemy.CurrentHealth != 100 {
		t.Fatalf("expected enemy at 100 health, got %+v", res.Enemy)
	}
	if res.DamageTaken != 100 || res.Player.CurrentHealth != 900 {
		t.Fatalf("expected counter-attack for 100, got %+v", res)
	}
}

func TestAttackDefeat(t *testing.T) {
	cfg := config.Defaults[config.CombatConfig]()
	cfg.PlayerHealth = 100
	cfg.EnemyBaseHealth = 10000
	e := NewCombatEngine(cfg, neverCrit)

	res := fightToEnd(t, e)
	if res.Outcome != OutcomeDefeat {
		t.Fatalf("expected defeat, got %q", res.Outcome)
	}
	if !res.Player.Dead || res.Player.CurrentHealth != 0 {
		t.Fatalf("player should be dead: %+v", res.Player)
	}
	if _, err := e.StartFight(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("dead player must not fight, got %v", err)
	}
	if _, err := e.Heal(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("dead player must not heal, got %v", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)

	if _, err := e.Attack(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("attack while idle: %v", err)
	}
	if _, err := e.StopFight(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("stop while idle: %v", err)
	}
	if _, err := e.StartFight(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.StartFight(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("start while fighting: %v", err)
	}
	if _, err := e.StopFight(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.Phase() != PhaseIdle || e.Enemy() != nil {
		t.Fatal("stop should discard the enemy")
	}
	if KindOf(ErrIllegalTransition) != KindValidation {
		t.Fatal("illegal transitions are validation errors")
	}
}

func TestHealAndUpgrades(t *testing.T) {
	e := NewCombatEngine(config.Defaults[config.CombatConfig](), neverCrit)

	if _, err := e.Heal(); !errors.Is(err, ErrInsufficientGold) {
		t.Fatalf("expected insufficient gold, got %v", err)
	}

	e.SyncProgress(0, 300, 0)
	if _, err := e.Heal(); err != nil {
		t.Fatalf("heal at full health is allowed: %v", err)
	}
	if e.State().Gold != 295 {
		t.Fatalf("heal should cost 5, gold %d", e.State().Gold)
	}

	if _, err := e.BuyUpgrade(UpgradeHealth); err != nil {
		t.Fatalf("health upgrade: %v", err)
	}
	if _, err := e.BuyUpgrade(UpgradeDamage); err != nil {
		t.Fatalf("damage upgrade: %v", err)
	}
	if _, err := e.BuyUpgrade(UpgradeCritDamage); err != nil {
		t.Fatalf("crit damage upgrade: %v", err)
	}
	p := e.State()
	if p.MaxHealth != 1020 || p.CurrentHealth != 1020 || p.Damage != 205 {
		t.Fatalf("unexpected stats: %+v", p)
	}
	if p.CritMultiplier < 0.699 || p.CritMultiplier > 0.701 {
		t.Fatalf("unexpected crit multiplier %v", p.CritMultiplier)
	}
	if p.Gold != 295-10-15-25 {
		t.Fatalf("unexpected gold %d", p.Gold)
	}

	for p.Gold >= 20 {
		if _, err := e.BuyUpgrade(UpgradeCritChance); err != nil {
			t.Fatalf("crit chance upgrade: %v", err)
		}
		p = e.State()
	}
	if p.CritChance != 0.5 {
		t.Fatalf("crit chance should clamp to 0.5, got %v", p.CritChance)
	}

	if _, err := e.BuyUpgrade("speed"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("unknown upgrade: %v", err)
	}
}

func TestPassiveUpgrades(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)

	if _, err := e.SavePassiveUpgrade(PassiveUpgrade{Kind: PassiveDamage, Value: 12}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("saving without a pick: %v", err)
	}

	fightToEnd(t, e)
	if _, err := e.SavePassiveUpgrade(PassiveUpgrade{Kind: PassiveDamage, Value: 99}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("out of range value: %v", err)
	}
	if _, err := e.SavePassiveUpgrade(PassiveUpgrade{Kind: PassiveDamage, Value: 12}); err != nil {
		t.Fatalf("save passive: %v", err)
	}
	p := e.State()
	if p.Damage != 212 || p.PendingPicks != 0 {
		t.Fatalf("unexpected player: %+v", p)
	}
	if _, err := e.SavePassiveUpgrade(PassiveUpgrade{Kind: PassiveHealFull}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("pick should be consumed: %v", err)
	}
}

func TestBossPassivesApplyAfterEveryVictory(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)
	e.SyncProgress(5, 0, 0)

	res := fightToEnd(t, e)
	if res.Outcome != OutcomeVictory || !res.BossKilled {
		t.Fatalf("expected boss victory, got %+v", res)
	}
	if got := e.State(); got.Gold != 20 || got.PendingBossPicks != 1 || got.BossesDefeated != 1 {
		t.Fatalf("unexpected player after boss: %+v", got)
	}

	if _, err := e.SaveBossPassive(BossPassive{Kind: "lifesteal"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("unknown boss passive: %v", err)
	}
	if _, err := e.SaveBossPassive(BossPassive{Kind: BossPassiveDamage}); err != nil {
		t.Fatalf("save boss passive: %v", err)
	}
	if e.State().Damage != 200 {
		t.Fatal("boss passive applies at the end of later victories, not on save")
	}

	fightToEnd(t, e)
	if e.State().Damage != 210 {
		t.Fatalf("expected 210 damage after one victory, got %d", e.State().Damage)
	}
	fightToEnd(t, e)
	if e.State().Damage != 220 {
		t.Fatalf("expected 220 damage after two victories, got %d", e.State().Damage)
	}
}

func TestApplyDecodesPayloads(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)
	e.SyncProgress(0, 100, 0)

	if _, err := e.Apply(ActionUpgrade, json.RawMessage(`{"type":"damage"}`)); err != nil {
		t.Fatalf("apply upgrade: %v", err)
	}
	if e.State().Damage != 205 {
		t.Fatalf("expected 205 damage, got %d", e.State().Damage)
	}
	if _, err := e.Apply(ActionUpgrade, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("missing payload: %v", err)
	}
	if _, err := e.Apply(ActionUpgrade, json.RawMessage(`{`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("bad payload: %v", err)
	}
	if _, err := e.Apply("dance", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown action: %v", err)
	}
	if _, ok := ParseActionKind("save_boss_passive"); !ok {
		t.Fatal("save_boss_passive should parse")
	}
}

func TestRestoreReplaysSession(t *testing.T) {
	e := NewCombatEngine(weakEnemies(), neverCrit)
	e.Restore(Session{
		CurrentLevel:    4,
		TotalGold:       30,
		EnemiesKilled:   4,
		PassiveUpgrades: []PassiveUpgrade{{Kind: PassiveHealth, Value: 30}, {Kind: PassiveGold, Value: 3}},
		BossPassives:    []BossPassive{{Kind: BossPassiveMaxHealth}},
	})
	p := e.State()
	if p.Level != 4 || p.Gold != 30 || p.MaxHealth != 1030 || p.EnemiesKilled != 4 {
		t.Fatalf("unexpected restored player: %+v", p)
	}
	if len(e.BossPassives()) != 1 {
		t.Fatal("boss passives should be restored")
	}
}
