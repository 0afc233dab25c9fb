package instruction

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
)

func TestValidateEmpty(t *testing.T) {
	ok, problems := Validate(nil, 0)
	assert.False(t, ok)
	assert.NotEmpty(t, problems)
}

func TestValidateMissingProgramID(t *testing.T) {
	ixs := []solana.Instruction{
		solana.NewInstruction(swapProgram, solana.AccountMetaSlice{}, []byte{1}),
		solana.NewInstruction(solana.PublicKey{}, solana.AccountMetaSlice{}, []byte{1}),
	}
	ok, problems := Validate(ixs, 0)
	assert.False(t, ok)
	assert.Equal(t, []string{"instruction 1 missing program id"}, problems)
}

func TestValidateAcceptsSystemTransfer(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	tip := solana.NewWallet().PublicKey()
	transfer := system.NewTransferInstruction(50_000, payer, tip).Build()
	assert.True(t, transfer.ProgramID().Equals(solana.SystemProgramID))

	ok, problems := Validate([]solana.Instruction{transfer}, 0)
	assert.True(t, ok, "%v", problems)
}

func TestValidateRejectsZeroProgramWithForeignData(t *testing.T) {
	ix := solana.NewInstruction(solana.PublicKey{}, solana.AccountMetaSlice{}, []byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	ok, problems := Validate([]solana.Instruction{ix}, 0)
	assert.False(t, ok)
	assert.Equal(t, []string{"instruction 0 missing program id"}, problems)
}

func TestValidateCountCeiling(t *testing.T) {
	ixs := make([]solana.Instruction, 4)
	for i := range ixs {
		ixs[i] = solana.NewInstruction(swapProgram, solana.AccountMetaSlice{}, nil)
	}
	ok, problems := Validate(ixs, 3)
	assert.False(t, ok)
	assert.Contains(t, problems[0], "too many instructions")

	ok, _ = Validate(ixs, 4)
	assert.True(t, ok)
}

func TestValidateNilInstruction(t *testing.T) {
	ok, problems := Validate([]solana.Instruction{nil}, 0)
	assert.False(t, ok)
	assert.Contains(t, problems[0], "nil")
}

func TestBundleIntentLegs(t *testing.T) {
	assert.ErrorIs(t, BundleIntent{}.Validate(), ErrNoLegs)
	assert.Equal(t, 2, fullIntent().Legs())
}
