// Package ritual implements the deterministic hash-chain flavor-text
// engine behind the portal's ritual feature. It has no access-control role;
// access to it is gated like any other node, and the archetype id it
// produces can be attached as evidence to ritual-gated access requests.
package ritual

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// phases in execution order. Tier 0 callers halt at the Limitation Check.
var phases = [10]string{
	"Phase 1 – Seed Inception",
	"Phase 2 – Limitation Check",
	"Phase 3 – Deep Recursion",
	"Phase 4 – Coherence Mapping",
	"Phase 5 – Archetype Synthesis",
	"Phase 6 – Animus Infusion",
	"Phase 7 – Resonance Alignment",
	"Phase 8 – Temporal Staking",
	"Phase 9 – Final Encryption",
	"Phase 10 – Canonical Write",
}

const limitationPhaseIndex = 1

var cardNames = [4]string{
	"The Foldrider",
	"The Oracle of Elysia",
	"The Temporal Staker",
	"The Animus Weaver",
}

// PhaseResult is one line of the ritual transcript.
type PhaseResult struct {
	Phase      string `json:"phase"`
	SeedOutput string `json:"seed_output"`
}

// Result is the complete outcome of one ritual execution.
type Result struct {
	ArchetypeID     string        `json:"archetype_id"`
	FinalSeed       string        `json:"final_seed"`
	CyclesCompleted int           `json:"cycles_completed"`
	PhaseResults    []PhaseResult `json:"ritual_results"`
	LoreEntry       string        `json:"lore_entry"`
	LoreDescription string        `json:"lore_description"`
	CardIcon        string        `json:"card_icon"`
	CardName        string        `json:"card_name"`
}

// Engine runs rituals. The clock is injectable so transcripts are
// reproducible in tests.
type Engine struct {
	now func() time.Time
}

// NewEngine creates an engine on the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock creates an engine with a fixed clock source.
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Execute runs the phase chain for the given seed and tier. Each phase
// folds the previous seed through sha256 plus a millisecond timestamp; a
// tier-0 caller is halted at the Limitation Check phase with zero cycles
// beyond it.
func (e *Engine) Execute(initialSeed string, tier int) Result {
	var transcript []PhaseResult
	seed := initialSeed
	cycles := 0

	for i, phase := range phases {
		if tier == 0 && i == limitationPhaseIndex {
			transcript = append(transcript, PhaseResult{
				Phase:      phase,
				SeedOutput: lore(seed, phase, tier),
			})
			break
		}

		digest := hashHex(seed)
		seed = digest + strconv.FormatInt(e.now().UnixMilli(), 10)

		transcript = append(transcript, PhaseResult{
			Phase:      phase,
			SeedOutput: lore(seed, phase, tier),
		})
		cycles++
	}

	archetypeID := strings.ToUpper(hashHex(seed)[16:24])

	return Result{
		ArchetypeID:     archetypeID,
		FinalSeed:       seed,
		CyclesCompleted: cycles,
		PhaseResults:    transcript,
		LoreEntry:       fmt.Sprintf("Canonical Archetype %s", archetypeID),
		LoreDescription: fmt.Sprintf(
			"The engine completed %d cycles for Tier %d. This archetype embodies the convergence of the seed concept.",
			cycles, tier),
		CardIcon: "⚛️",
		CardName: cardNames[int(sha256.Sum256([]byte(seed))[0])%len(cardNames)],
	}
}

func lore(seed, phase string, tier int) string {
	base := fmt.Sprintf("The %s phase transmuted the seed. The result indicates %c.",
		phase, hashHex(seed)[8])
	if tier == 0 && strings.Contains(phase, "Limitation Check") {
		return base + " The ritual halted due to insufficient canonical access (Tier 0). HALTED."
	}
	return base
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
