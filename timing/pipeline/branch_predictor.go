package pipeline

import (
	"fmt"

	"github.com/ekliptik/qtrvsim/insts"
)

// Prediction represents a branch prediction result.
type Prediction struct {
	// Taken indicates whether control is predicted to transfer.
	Taken bool
	// Target is the predicted target address. Meaningful only when Taken.
	Target uint32
}

// Predictor decides, at fetch, where control flow continues after an
// instruction. Update is called once the instruction resolves in execute.
type Predictor interface {
	Predict(inst *insts.Instruction, addr uint32) Prediction
	Update(inst *insts.Instruction, addr uint32, taken bool, target uint32)
}

// StaticPredictor predicts jal taken and everything else not taken.
type StaticPredictor struct{}

// NewStaticPredictor creates a static predictor.
func NewStaticPredictor() *StaticPredictor {
	return &StaticPredictor{}
}

// Predict implements Predictor.
func (p *StaticPredictor) Predict(inst *insts.Instruction, addr uint32) Prediction {
	if inst != nil && inst.Op == insts.OpJAL {
		return Prediction{Taken: true, Target: addr + uint32(inst.Imm)}
	}
	return Prediction{}
}

// Update implements Predictor. A static predictor does not learn.
func (p *StaticPredictor) Update(*insts.Instruction, uint32, bool, uint32) {}

// BTFNTPredictor predicts backward branches taken and forward branches not
// taken, which suits loops. jal is always taken.
type BTFNTPredictor struct{}

// NewBTFNTPredictor creates a backward-taken/forward-not-taken predictor.
func NewBTFNTPredictor() *BTFNTPredictor {
	return &BTFNTPredictor{}
}

// Predict implements Predictor.
func (p *BTFNTPredictor) Predict(inst *insts.Instruction, addr uint32) Prediction {
	if inst == nil {
		return Prediction{}
	}
	switch {
	case inst.Op == insts.OpJAL, inst.IsBranch() && inst.Imm < 0:
		return Prediction{Taken: true, Target: addr + uint32(inst.Imm)}
	}
	return Prediction{}
}

// Update implements Predictor.
func (p *BTFNTPredictor) Update(*insts.Instruction, uint32, bool, uint32) {}

// BranchPredictorConfig holds configuration for the bimodal predictor.
type BranchPredictorConfig struct {
	// BHTSize is the number of entries in the Branch History Table.
	// Must be a power of 2. Default is 1024.
	BHTSize uint32
	// BTBSize is the number of entries in the Branch Target Buffer.
	// Must be a power of 2. Default is 256.
	BTBSize uint32
}

// DefaultBranchPredictorConfig returns a default configuration.
func DefaultBranchPredictorConfig() BranchPredictorConfig {
	return BranchPredictorConfig{
		BHTSize: 1024,
		BTBSize: 256,
	}
}

// BranchPredictorStats holds statistics for the bimodal predictor.
type BranchPredictorStats struct {
	// Predictions is the total number of resolved predictions.
	Predictions uint64
	// Correct is the number of correct direction predictions.
	Correct uint64
	// Mispredictions is the number of incorrect direction predictions.
	Mispredictions uint64
	// BTBHits is the number of BTB hits.
	BTBHits uint64
	// BTBMisses is the number of BTB misses.
	BTBMisses uint64
}

// Accuracy returns the prediction accuracy as a percentage.
func (s BranchPredictorStats) Accuracy() float64 {
	if s.Predictions == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Predictions) * 100
}

// BTBHitRate returns the BTB hit rate as a percentage.
func (s BranchPredictorStats) BTBHitRate() float64 {
	total := s.BTBHits + s.BTBMisses
	if total == 0 {
		return 0
	}
	return float64(s.BTBHits) / float64(total) * 100
}

// BranchPredictor implements a 2-bit saturating counter (bimodal) predictor
// with a Branch Target Buffer (BTB) for indirect jumps.
type BranchPredictor struct {
	// Branch History Table (BHT) - 2-bit saturating counters
	// States: 0=Strongly Not Taken, 1=Weakly Not Taken,
	//         2=Weakly Taken, 3=Strongly Taken
	bht []uint8

	btb      []btbEntry
	btbValid []bool

	bhtSize uint32
	btbSize uint32

	stats BranchPredictorStats
}

type btbEntry struct {
	pc     uint32
	target uint32
}

// NewBranchPredictor creates a new bimodal predictor.
func NewBranchPredictor(config BranchPredictorConfig) *BranchPredictor {
	bhtSize := config.BHTSize
	btbSize := config.BTBSize

	if bhtSize == 0 {
		bhtSize = 1024
	}
	if btbSize == 0 {
		btbSize = 256
	}

	bp := &BranchPredictor{
		bht:      make([]uint8, bhtSize),
		btb:      make([]btbEntry, btbSize),
		btbValid: make([]bool, btbSize),
		bhtSize:  bhtSize,
		btbSize:  btbSize,
	}
	bp.Reset()
	return bp
}

func (bp *BranchPredictor) bhtIndex(pc uint32) uint32 {
	return (pc >> 2) & (bp.bhtSize - 1)
}

func (bp *BranchPredictor) btbIndex(pc uint32) uint32 {
	return (pc >> 2) & (bp.btbSize - 1)
}

// Predict implements Predictor. Conditional branch targets are computed
// from the immediate; jalr targets come from the BTB.
func (bp *BranchPredictor) Predict(inst *insts.Instruction, addr uint32) Prediction {
	if inst == nil {
		return Prediction{}
	}

	switch {
	case inst.Op == insts.OpJAL:
		return Prediction{Taken: true, Target: addr + uint32(inst.Imm)}
	case inst.Op == insts.OpJALR:
		idx := bp.btbIndex(addr)
		if bp.btbValid[idx] && bp.btb[idx].pc == addr {
			bp.stats.BTBHits++
			return Prediction{Taken: true, Target: bp.btb[idx].target}
		}
		bp.stats.BTBMisses++
		return Prediction{}
	case inst.IsBranch():
		if bp.bht[bp.bhtIndex(addr)] >= 2 {
			return Prediction{Taken: true, Target: addr + uint32(inst.Imm)}
		}
	}
	return Prediction{}
}

// Update implements Predictor.
func (bp *BranchPredictor) Update(inst *insts.Instruction, addr uint32, taken bool, target uint32) {
	if inst == nil {
		return
	}

	if inst.Op == insts.OpJALR {
		idx := bp.btbIndex(addr)
		bp.btb[idx] = btbEntry{pc: addr, target: target}
		bp.btbValid[idx] = true
		return
	}
	if !inst.IsBranch() {
		return
	}

	bhtIdx := bp.bhtIndex(addr)
	counter := bp.bht[bhtIdx]

	bp.stats.Predictions++
	if (counter >= 2) == taken {
		bp.stats.Correct++
	} else {
		bp.stats.Mispredictions++
	}

	// Update 2-bit saturating counter
	if taken {
		if counter < 3 {
			bp.bht[bhtIdx] = counter + 1
		}
	} else if counter > 0 {
		bp.bht[bhtIdx] = counter - 1
	}
}

// Stats returns the predictor statistics.
func (bp *BranchPredictor) Stats() BranchPredictorStats {
	return bp.stats
}

// Reset restores the initial weakly-not-taken state and clears the BTB.
func (bp *BranchPredictor) Reset() {
	for i := range bp.bht {
		bp.bht[i] = 1
	}
	for i := range bp.btbValid {
		bp.btbValid[i] = false
	}
	bp.stats = BranchPredictorStats{}
}

// Predictor names accepted by NewPredictor.
const (
	PredictorStatic  = "static"
	PredictorBTFNT   = "btfnt"
	PredictorBimodal = "bimodal"
)

// NewPredictor builds a predictor by name.
func NewPredictor(name string, config BranchPredictorConfig) (Predictor, error) {
	switch name {
	case PredictorStatic, "":
		return NewStaticPredictor(), nil
	case PredictorBTFNT:
		return NewBTFNTPredictor(), nil
	case PredictorBimodal:
		return NewBranchPredictor(config), nil
	}
	return nil, fmt.Errorf("unknown predictor %q", name)
}
