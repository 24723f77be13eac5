package blockchain

// SignatureRecord is one entry of getSignaturesForAddress
type SignatureRecord struct {
	Signature string
	Slot      uint64
	BlockTime int64       // unix seconds, 0 when the node did not report it
	Err       interface{} // nil = success
}

// Failed reports whether the transaction itself failed on chain
func (r SignatureRecord) Failed() bool {
	return r.Err != nil
}

// InstructionType classifies a parsed instruction
type InstructionType string

const (
	InstructionTransfer InstructionType = "transfer"
	InstructionOther    InstructionType = "other"
)

// ParsedInstruction is the subset of an inner instruction the detector needs
type ParsedInstruction struct {
	Type        InstructionType
	Program     string
	Mint        string
	Source      string
	Destination string
	AmountRaw   uint64
}

// TransactionDetail is a decoded getTransaction result
type TransactionDetail struct {
	Signature         string
	Slot              uint64
	BlockTime         int64
	PreBalances       []uint64
	PostBalances      []uint64
	AccountKeys       []string
	InnerInstructions []ParsedInstruction
}

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"

	// MetadataProgramID is the token metadata program that owns metadata accounts
	MetadataProgramID = "metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s"

	// LamportsPerSOL is the native unit divisor
	LamportsPerSOL = 1_000_000_000

	// MaxSignatureLimit caps getSignaturesForAddress to respect upstream rate limits
	MaxSignatureLimit = 25
)
