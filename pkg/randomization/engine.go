// Package randomization allocates participants to study arms with simple,
// block and stratified schemes, and keeps an ordered allocation log per key.
package randomization

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

type Method string

const (
	MethodSimple     Method = "simple"
	MethodBlock      Method = "block"
	MethodStratified Method = "stratified"
)

var (
	ErrNoArms        = errors.New("no arms to allocate")
	ErrUnknownMethod = errors.New("unknown randomization method")
	ErrEmptyLog      = errors.New("allocation log is empty")
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodBlock, nil
	case MethodSimple, MethodBlock, MethodStratified:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownMethod, s)
	}
}

type Arm struct {
	ID              string
	AllocationRatio float64
}

type Allocation struct {
	Key      string    `json:"key"`
	ArmID    string    `json:"arm_id"`
	Method   Method    `json:"method"`
	Sequence int       `json:"sequence"`
	At       time.Time `json:"allocated_at"`
}

type ArmBalance struct {
	ArmID      string  `json:"arm_id"`
	Count      int     `json:"count"`
	Expected   float64 `json:"expected"`
	Difference float64 `json:"difference"`
	Percentage float64 `json:"percentage"`
}

// stream is the allocation state of one study or stratum.
type stream struct {
	mu       sync.Mutex
	position int
	block    []string
	log      []Allocation
}

type Engine struct {
	defaultBlock int

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	streams map[string]*stream
}

// NewEngine seeds from the clock when seed is 0.
func NewEngine(seed int64, defaultBlockSize int) *Engine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if defaultBlockSize <= 0 {
		defaultBlockSize = 4
	}
	return &Engine{
		defaultBlock: defaultBlockSize,
		rng:          rand.New(rand.NewSource(seed)),
		streams:      make(map[string]*stream),
	}
}

func (e *Engine) DefaultBlockSize() int {
	return e.defaultBlock
}

func (e *Engine) stream(key string) *stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[key]
	if !ok {
		s = &stream{}
		e.streams[key] = s
	}
	return s
}

// Allocate dispatches to the scheme named by method. Strata are only used by
// the stratified scheme.
func (e *Engine) Allocate(method Method, studyID string, arms []Arm, strata map[string]string, blockSize int) (Allocation, error) {
	switch method {
	case MethodSimple:
		return e.Simple(studyID, arms)
	case MethodBlock, "":
		return e.Block(studyID, arms, blockSize)
	case MethodStratified:
		return e.Stratified(studyID, arms, strata, blockSize)
	default:
		return Allocation{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

// Simple draws each allocation independently, weighted by allocation ratio.
func (e *Engine) Simple(key string, arms []Arm) (Allocation, error) {
	if len(arms) == 0 {
		return Allocation{}, ErrNoArms
	}
	s := e.stream(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	armID := e.weightedPick(arms)
	return s.append(key, armID, MethodSimple), nil
}

// Block draws the next slot of the key's current block, building and shuffling a
// fresh block whenever the position reaches a block boundary.
func (e *Engine) Block(key string, arms []Arm, blockSize int) (Allocation, error) {
	return e.block(key, arms, blockSize, MethodBlock)
}

func (e *Engine) Stratified(studyID string, arms []Arm, strata map[string]string, blockSize int) (Allocation, error) {
	return e.block(StratumKey(studyID, strata), arms, blockSize, MethodStratified)
}

func (e *Engine) block(key string, arms []Arm, blockSize int, method Method) (Allocation, error) {
	if len(arms) == 0 {
		return Allocation{}, ErrNoArms
	}
	if blockSize <= 0 {
		blockSize = e.defaultBlock
	}
	s := e.stream(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.position % blockSize
	switch {
	case slot == 0:
		s.block = e.buildBlock(arms, blockSize)
	case len(s.block) != blockSize:
		// restored or resized mid-block
		s.block = e.resumeBlock(arms, blockSize, s.openBlockArms(slot))
	}
	armID := s.block[slot]
	s.position++
	return s.append(key, armID, method), nil
}

func (s *stream) append(key, armID string, method Method) Allocation {
	a := Allocation{
		Key:      key,
		ArmID:    armID,
		Method:   method,
		Sequence: len(s.log) + 1,
		At:       time.Now().UTC(),
	}
	s.log = append(s.log, a)
	return a
}

// Revert undoes the most recent allocation on key. It is used when the
// enrollment that requested the allocation could not be committed.
func (e *Engine) Revert(key string) error {
	s := e.stream(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.log) == 0 {
		return ErrEmptyLog
	}
	last := s.log[len(s.log)-1]
	s.log = s.log[:len(s.log)-1]
	if last.Method != MethodSimple && s.position > 0 {
		s.position--
	}
	return nil
}

// Restore replaces the log of key with journaled allocations. The next block
// allocation on key finishes the block that was open when the log was written.
func (e *Engine) Restore(key string, entries []Allocation) {
	log := make([]Allocation, len(entries))
	copy(log, entries)
	sort.SliceStable(log, func(i, j int) bool { return log[i].Sequence < log[j].Sequence })

	position := 0
	for _, a := range log {
		if a.Method != MethodSimple {
			position++
		}
	}

	s := e.stream(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = log
	s.position = position
	s.block = nil
}

// openBlockArms returns the arms already drawn from the current block, newest first.
func (s *stream) openBlockArms(n int) []string {
	out := make([]string, 0, n)
	for i := len(s.log) - 1; i >= 0 && len(out) < n; i-- {
		if s.log[i].Method != MethodSimple {
			out = append(out, s.log[i].ArmID)
		}
	}
	return out
}

// resumeBlock rebuilds a block whose first len(drawn) slots were already used,
// so the remaining slots hold what a fresh block would still owe each arm.
func (e *Engine) resumeBlock(arms []Arm, blockSize int, drawn []string) []string {
	owed := make(map[string]int, len(drawn))
	for _, id := range drawn {
		owed[id]++
	}
	block := make([]string, 0, blockSize)
	block = append(block, drawn...)
	for _, id := range e.buildBlock(arms, blockSize) {
		if owed[id] > 0 {
			owed[id]--
			continue
		}
		block = append(block, id)
	}
	for len(block) < blockSize {
		block = append(block, e.weightedPick(arms))
	}
	return block[:blockSize]
}

func (e *Engine) buildBlock(arms []Arm, blockSize int) []string {
	ratios, total := normalizedRatios(arms)
	block := make([]string, 0, blockSize)
	for i, arm := range arms {
		n := int(math.Floor(float64(blockSize) * ratios[i] / total))
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			block = append(block, arm.ID)
		}
	}
	for len(block) < blockSize {
		block = append(block, e.weightedPick(arms))
	}

	e.rngMu.Lock()
	e.rng.Shuffle(len(block), func(i, j int) { block[i], block[j] = block[j], block[i] })
	e.rngMu.Unlock()

	// per-arm minimums can overflow small blocks
	return block[:blockSize]
}

func (e *Engine) weightedPick(arms []Arm) string {
	ratios, total := normalizedRatios(arms)
	e.rngMu.Lock()
	draw := e.rng.Float64() * total
	e.rngMu.Unlock()

	cumulative := 0.0
	for i, arm := range arms {
		cumulative += ratios[i]
		if draw < cumulative {
			return arm.ID
		}
	}
	return arms[len(arms)-1].ID
}

// normalizedRatios treats non-positive ratios as 1.
func normalizedRatios(arms []Arm) ([]float64, float64) {
	ratios := make([]float64, len(arms))
	total := 0.0
	for i, arm := range arms {
		r := arm.AllocationRatio
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			r = 1
		}
		ratios[i] = r
		total += r
	}
	return ratios, total
}

// StratumKey encodes the study id plus the sorted strata so that equal strata
// always map to the same allocation stream.
func StratumKey(studyID string, strata map[string]string) string {
	if len(strata) == 0 {
		return studyID
	}
	keys := make([]string, 0, len(strata))
	for k := range strata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strata[k]
	}
	return studyID + "|" + strings.Join(parts, ",")
}

// StudyOfKey returns the study id an allocation stream key belongs to.
func StudyOfKey(key string) string {
	if i := strings.Index(key, "|"); i >= 0 {
		return key[:i]
	}
	return key
}

func (e *Engine) AllocationLog(key string) []Allocation {
	e.mu.Lock()
	s, ok := e.streams[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Allocation, len(s.log))
	copy(out, s.log)
	return out
}

// Keys lists every allocation stream that starts with prefix, sorted.
func (e *Engine) Keys(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var keys []string
	for k := range e.streams {
		if k == prefix || strings.HasPrefix(k, prefix+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Balance compares observed allocations on key with the ratio-weighted expectation.
func (e *Engine) Balance(key string, arms []Arm) []ArmBalance {
	counts := make(map[string]int)
	log := e.AllocationLog(key)
	for _, a := range log {
		counts[a.ArmID]++
	}
	return balance(counts, len(log), arms)
}

func balance(counts map[string]int, total int, arms []Arm) []ArmBalance {
	ratios, sum := normalizedRatios(arms)
	out := make([]ArmBalance, len(arms))
	for i, arm := range arms {
		expected := float64(total) * ratios[i] / sum
		b := ArmBalance{
			ArmID:      arm.ID,
			Count:      counts[arm.ID],
			Expected:   expected,
			Difference: float64(counts[arm.ID]) - expected,
		}
		if total > 0 {
			b.Percentage = float64(counts[arm.ID]) / float64(total) * 100
		}
		out[i] = b
	}
	return out
}

// BalanceAcross aggregates the balance of several keys, e.g. every stratum of a study.
func (e *Engine) BalanceAcross(keys []string, arms []Arm) []ArmBalance {
	counts := make(map[string]int)
	total := 0
	for _, key := range keys {
		for _, a := range e.AllocationLog(key) {
			counts[a.ArmID]++
			total++
		}
	}
	return balance(counts, total, arms)
}
