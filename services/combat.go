package services

import (
	"encoding/json"
	"math"
	"math/rand"

	"idle-arena/config"
)

type ActionKind string

const (
	ActionStartFight      ActionKind = "start_fight"
	ActionStopFight       ActionKind = "stop_fight"
	ActionAttack          ActionKind = "attack"
	ActionHeal            ActionKind = "heal"
	ActionUpgrade         ActionKind = "upgrade"
	ActionSavePassive     ActionKind = "save_passive"
	ActionSaveBossPassive ActionKind = "save_boss_passive"
)

func ParseActionKind(s string) (ActionKind, bool) {
	switch k := ActionKind(s); k {
	case ActionStartFight, ActionStopFight, ActionAttack, ActionHeal,
		ActionUpgrade, ActionSavePassive, ActionSaveBossPassive:
		return k, true
	}
	return "", false
}

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseFighting Phase = "fighting"
)

type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeVictory Outcome = "victory"
	OutcomeDefeat  Outcome = "defeat"
)

type PlayerState struct {
	MaxHealth        int     `json:"max_health"`
	CurrentHealth    int     `json:"current_health"`
	Damage           int     `json:"damage"`
	CritChance       float64 `json:"crit_chance"`
	CritMultiplier   float64 `json:"crit_multiplier"`
	Level            int     `json:"level"`
	Gold             int     `json:"gold"`
	GoldEarned       int     `json:"gold_earned"` // lifetime gold of the run, spending excluded
	EnemiesKilled    int     `json:"enemies_killed"`
	BossesDefeated   int     `json:"bosses_defeated"`
	Dead             bool    `json:"dead"`
	PendingPicks     int     `json:"pending_picks"`
	PendingBossPicks int     `json:"pending_boss_picks"`
}

type Enemy struct {
	Level         int  `json:"level"`
	MaxHealth     int  `json:"max_health"`
	CurrentHealth int  `json:"current_health"`
	Damage        int  `json:"damage"`
	IsBoss        bool `json:"is_boss"`
	GoldReward    int  `json:"gold_reward"`
}

// ActionResult describes what one action did. Player is the state after it.
type ActionResult struct {
	Action      ActionKind  `json:"action"`
	Phase       Phase       `json:"phase"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	DamageDealt int         `json:"damage_dealt,omitempty"`
	Critical    bool        `json:"critical,omitempty"`
	DamageTaken int         `json:"damage_taken,omitempty"`
	GoldReward  int         `json:"gold_reward,omitempty"`
	BossKilled  bool        `json:"boss_killed,omitempty"`
	Player      PlayerState `json:"player"`
	Enemy       *Enemy      `json:"enemy,omitempty"`
}

// IsBossLevel reports whether the enemy at player level L is a boss.
func IsBossLevel(level int) bool {
	return level > 1 && level%5 == 0
}

// NewEnemy scales an enemy for the given player level.
func NewEnemy(cfg config.CombatConfig, level int) Enemy {
	l := float64(level)
	health := int(math.Floor(float64(cfg.EnemyBaseHealth) + 10*l*math.Pow(1.05, l)))
	damage := int(math.Floor(2*l + float64(cfg.EnemyBaseDamage)*math.Pow(1.02, l)))
	gold := cfg.GoldReward

	boss := IsBossLevel(level)
	if boss {
		health *= 2
		damage = int(math.Floor(float64(damage) * 1.25))
		gold = cfg.BossGoldReward
	}
	return Enemy{
		Level:         level,
		MaxHealth:     health,
		CurrentHealth: health,
		Damage:        damage,
		IsBoss:        boss,
		GoldReward:    gold,
	}
}

// CombatEngine is the per-session fight state machine. It is not safe for
// concurrent use; the orchestrator serializes access per session.
type CombatEngine struct {
	cfg          config.CombatConfig
	rand         func() float64
	phase        Phase
	player       PlayerState
	enemy        *Enemy
	bossPassives []BossPassive
}

// NewCombatEngine starts a fresh run. rnd defaults to math/rand.
func NewCombatEngine(cfg config.CombatConfig, rnd func() float64) *CombatEngine {
	if rnd == nil {
		rnd = rand.Float64
	}
	e := &CombatEngine{cfg: cfg, rand: rnd}
	e.reset()
	return e
}

func (e *CombatEngine) reset() {
	e.phase = PhaseIdle
	e.enemy = nil
	e.bossPassives = nil
	e.player = PlayerState{
		MaxHealth:      e.cfg.PlayerHealth,
		CurrentHealth:  e.cfg.PlayerHealth,
		Damage:         e.cfg.PlayerDamage,
		CritChance:     e.cfg.CritChance,
		CritMultiplier: e.cfg.CritMultiplier,
	}
}

func (e *CombatEngine) State() PlayerState { return e.player }
func (e *CombatEngine) Phase() Phase       { return e.phase }

func (e *CombatEngine) Enemy() *Enemy {
	if e.enemy == nil {
		return nil
	}
	en := *e.enemy
	return &en
}

func (e *CombatEngine) BossPassives() []BossPassive {
	return append([]BossPassive{}, e.bossPassives...)
}

// Apply routes a decoded action to the matching transition.
func (e *CombatEngine) Apply(kind ActionKind, payload json.RawMessage) (ActionResult, error) {
	switch kind {
	case ActionStartFight:
		return e.StartFight()
	case ActionStopFight:
		return e.StopFight()
	case ActionAttack:
		return e.Attack()
	case ActionHeal:
		return e.Heal()
	case ActionUpgrade:
		var req struct {
			Type UpgradeKind `json:"type"`
		}
		if err := decodePayload(payload, &req); err != nil {
			return ActionResult{}, err
		}
		return e.BuyUpgrade(req.Type)
	case ActionSavePassive:
		var p PassiveUpgrade
		if err := decodePayload(payload, &p); err != nil {
			return ActionResult{}, err
		}
		return e.SavePassiveUpgrade(p)
	case ActionSaveBossPassive:
		var b BossPassive
		if err := decodePayload(payload, &b); err != nil {
			return ActionResult{}, err
		}
		return e.SaveBossPassive(b)
	default:
		return ActionResult{}, withMessage(ErrUnknownAction, "unknown action %q", kind)
	}
}

func (e *CombatEngine) StartFight() (ActionResult, error) {
	if e.player.Dead {
		return ActionResult{}, withMessage(ErrIllegalTransition, "player is dead; start a new run")
	}
	if e.phase != PhaseIdle {
		return ActionResult{}, withMessage(ErrIllegalTransition, "already fighting")
	}
	enemy := NewEnemy(e.cfg, e.player.Level)
	e.enemy = &enemy
	e.phase = PhaseFighting
	return e.result(ActionStartFight), nil
}

func (e *CombatEngine) StopFight() (ActionResult, error) {
	if e.phase != PhaseFighting {
		return ActionResult{}, withMessage(ErrIllegalTransition, "not fighting")
	}
	e.enemy = nil
	e.phase = PhaseIdle
	return e.result(ActionStopFight), nil
}

// Attack resolves one exchange: the player hits, then a surviving enemy hits back.
func (e *CombatEngine) Attack() (ActionResult, error) {
	if e.phase != PhaseFighting || e.enemy == nil {
		return ActionResult{}, withMessage(ErrIllegalTransition, "no enemy to attack")
	}

	dmg := e.player.Damage
	crit := e.rand() < e.player.CritChance
	if crit {
		dmg = int(math.Floor(float64(e.player.Damage) * (1 + e.player.CritMultiplier)))
	}
	e.enemy.CurrentHealth -= dmg

	if e.enemy.CurrentHealth <= 0 {
		enemy := *e.enemy
		enemy.CurrentHealth = 0
		e.win(enemy)

		res := e.result(ActionAttack)
		res.Outcome = OutcomeVictory
		res.DamageDealt = dmg
		res.Critical = crit
		res.GoldReward = enemy.GoldReward
		res.BossKilled = enemy.IsBoss
		res.Enemy = &enemy
		return res, nil
	}

	taken := e.enemy.Damage
	e.player.CurrentHealth -= taken

	var out ActionResult
	if e.player.CurrentHealth <= 0 {
		e.player.CurrentHealth = 0
		e.player.Dead = true
		enemy := *e.enemy
		e.enemy = nil
		e.phase = PhaseIdle

		out = e.result(ActionAttack)
		out.Outcome = OutcomeDefeat
		out.Enemy = &enemy
	} else {
		out = e.result(ActionAttack)
	}
	out.DamageDealt, out.Critical, out.DamageTaken = dmg, crit, taken
	return out, nil
}

func (e *CombatEngine) win(enemy Enemy) {
	e.player.Gold += enemy.GoldReward
	e.player.GoldEarned += enemy.GoldReward
	e.player.EnemiesKilled++
	if enemy.IsBoss {
		e.player.BossesDefeated++
		e.player.PendingBossPicks++
	} else {
		e.player.PendingPicks++
	}
	e.player.Level++
	for _, bp := range e.bossPassives {
		bp.apply(&e.player)
	}
	e.enemy = nil
	e.phase = PhaseIdle
}

func (e *CombatEngine) Heal() (ActionResult, error) {
	if e.player.Dead {
		return ActionResult{}, withMessage(ErrIllegalTransition, "player is dead")
	}
	if e.player.Gold < e.cfg.HealCost {
		return ActionResult{}, withMessage(ErrInsufficientGold, "heal costs %d gold", e.cfg.HealCost)
	}
	e.player.Gold -= e.cfg.HealCost
	e.player.CurrentHealth = e.player.MaxHealth
	return e.result(ActionHeal), nil
}

func (e *CombatEngine) BuyUpgrade(kind UpgradeKind) (ActionResult, error) {
	spec, ok := upgradeTable[kind]
	if !ok {
		return ActionResult{}, withMessage(ErrInvalidPayload, "unknown upgrade %q", kind)
	}
	if e.player.Dead {
		return ActionResult{}, withMessage(ErrIllegalTransition, "player is dead")
	}
	if e.player.Gold < spec.Cost {
		return ActionResult{}, withMessage(ErrInsufficientGold, "%s upgrade costs %d gold", kind, spec.Cost)
	}

	e.player.Gold -= spec.Cost
	switch kind {
	case UpgradeHealth:
		e.player.MaxHealth += int(spec.Value)
		e.player.CurrentHealth += int(spec.Value)
	case UpgradeDamage:
		e.player.Damage += int(spec.Value)
	case UpgradeCritChance:
		e.player.CritChance = math.Min(e.cfg.MaxCritChance, e.player.CritChance+spec.Value)
	case UpgradeCritDamage:
		e.player.CritMultiplier += spec.Value
	}
	return e.result(ActionUpgrade), nil
}

func (e *CombatEngine) SavePassiveUpgrade(p PassiveUpgrade) (ActionResult, error) {
	if err := p.Validate(); err != nil {
		return ActionResult{}, err
	}
	if e.player.PendingPicks < 1 {
		return ActionResult{}, withMessage(ErrIllegalTransition, "no passive upgrade pick available")
	}
	e.player.PendingPicks--
	p.apply(&e.player, e.cfg.MaxCritChance)
	return e.result(ActionSavePassive), nil
}

func (e *CombatEngine) SaveBossPassive(b BossPassive) (ActionResult, error) {
	if err := b.Validate(); err != nil {
		return ActionResult{}, err
	}
	if e.player.PendingBossPicks < 1 {
		return ActionResult{}, withMessage(ErrIllegalTransition, "no boss passive pick available")
	}
	e.player.PendingBossPicks--
	e.bossPassives = append(e.bossPassives, b)
	return e.result(ActionSaveBossPassive), nil
}

// SyncProgress aligns the engine with progression reported outside of combat.
// A lower level starts the run over from base stats.
func (e *CombatEngine) SyncProgress(level, gold, enemiesKilled int) {
	if level < e.player.Level {
		e.reset()
	}
	if gold > e.player.GoldEarned {
		e.player.Gold += gold - e.player.GoldEarned
	}
	e.player.Level = level
	e.player.GoldEarned = gold
	e.player.EnemiesKilled = enemiesKilled
}

// Restore rebuilds an engine for a session whose engine was lost, replaying
// saved passives on top of base stats.
func (e *CombatEngine) Restore(s Session) {
	e.reset()
	e.player.Level = s.CurrentLevel
	e.player.Gold = s.TotalGold
	e.player.EnemiesKilled = s.EnemiesKilled
	e.player.BossesDefeated = s.BossesDefeated
	for _, p := range s.PassiveUpgrades {
		p.apply(&e.player, e.cfg.MaxCritChance)
	}
	e.player.Gold = s.TotalGold
	e.player.GoldEarned = s.TotalGold
	e.bossPassives = append([]BossPassive{}, s.BossPassives...)
}

func (e *CombatEngine) result(kind ActionKind) ActionResult {
	return ActionResult{
		Action: kind,
		Phase:  e.phase,
		Player: e.player,
		Enemy:  e.Enemy(),
	}
}

func decodePayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 {
		return withMessage(ErrInvalidPayload, "payload is required")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return withMessage(ErrInvalidPayload, "decode payload: %v", err)
	}
	return nil
}
