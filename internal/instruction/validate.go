package instruction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

const DefaultMaxInstructions = 20

// Validate reports every structural problem in instructions. It never fails
// itself; ok is false whenever problems is non-empty.
func Validate(instructions []solana.Instruction, maxCount int) (bool, []string) {
	if maxCount <= 0 {
		maxCount = DefaultMaxInstructions
	}
	var problems []string
	if len(instructions) == 0 {
		problems = append(problems, "no instructions in bundle")
	}
	if len(instructions) > maxCount {
		problems = append(problems, fmt.Sprintf("too many instructions: %d > %d", len(instructions), maxCount))
	}
	for i, ix := range instructions {
		if ix == nil {
			problems = append(problems, fmt.Sprintf("instruction %d is nil", i))
			continue
		}
		data, err := ix.Data()
		if err != nil {
			problems = append(problems, fmt.Sprintf("instruction %d data: %v", i, err))
		}
		if !hasProgramID(ix, data) {
			problems = append(problems, fmt.Sprintf("instruction %d missing program id", i))
		}
		for j, acc := range ix.Accounts() {
			if acc == nil {
				problems = append(problems, fmt.Sprintf("instruction %d account %d is nil", i, j))
			}
		}
	}
	return len(problems) == 0, problems
}

// hasProgramID treats the all-zero key as unset unless the instruction is a
// real system program call, since the system program id is that key.
func hasProgramID(ix solana.Instruction, data []byte) bool {
	if !ix.ProgramID().Equals(solana.SystemProgramID) {
		return true
	}
	if len(data) == 0 {
		return false
	}
	_, err := system.DecodeInstruction(ix.Accounts(), data)
	return err == nil
}
