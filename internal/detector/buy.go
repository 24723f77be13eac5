package detector

import (
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-buy-bot/internal/blockchain"
)

// UnknownBuyer is reported when no buyer address can be derived
const UnknownBuyer = "unknown"

// nativeDecimals is the precision of the reported native spend
const nativeDecimals = 4

// BuyEvent is a detected transfer of a tracked mint into a buyer's account
type BuyEvent struct {
	Mint        string
	Signature   string
	Slot        uint64
	BlockTime   int64
	Buyer       string
	AmountRaw   uint64
	Decimals    uint8 // filled in after metadata enrichment
	NativeSpent decimal.Decimal
}

// Amount returns AmountRaw scaled by 10^-Decimals
func (e *BuyEvent) Amount() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(e.AmountRaw), -int32(e.Decimals))
}

// Detect decides whether detail is a buy of mint.
//
// The native spend is read from balance index 0, the fee payer by convention.
// That is a heuristic: relayed or multi-signer buys may misattribute the spender.
// When several inner transfers move the mint, the last one wins.
func Detect(mint string, detail *blockchain.TransactionDetail) (*BuyEvent, bool) {
	if detail == nil {
		log.Warn().Str("mint", mint).Msg("detector received nil transaction detail")
		return nil, false
	}
	if mint == "" {
		log.Warn().Str("sig", detail.Signature).Msg("detector received empty mint")
		return nil, false
	}

	var match *blockchain.ParsedInstruction
	for i := range detail.InnerInstructions {
		ix := &detail.InnerInstructions[i]
		if ix.Type == blockchain.InstructionTransfer && ix.Mint == mint {
			match = ix
		}
	}
	if match == nil {
		log.Debug().Str("mint", mint).Str("sig", detail.Signature).Msg("no matching transfer")
		return nil, false
	}

	return &BuyEvent{
		Mint:        mint,
		Signature:   detail.Signature,
		Slot:        detail.Slot,
		BlockTime:   detail.BlockTime,
		Buyer:       buyer(match, detail),
		AmountRaw:   match.AmountRaw,
		NativeSpent: NativeSpent(detail.PreBalances, detail.PostBalances),
	}, true
}

// NativeSpent returns (pre[0]-post[0]) in whole native units rounded to 4 decimals.
// Missing balances or a non-decreasing balance yield zero.
func NativeSpent(pre, post []uint64) decimal.Decimal {
	if len(pre) == 0 || len(post) == 0 || post[0] >= pre[0] {
		return decimal.Zero
	}
	lamports := new(big.Int).SetUint64(pre[0] - post[0])
	return decimal.NewFromBigInt(lamports, 0).
		Div(decimal.NewFromInt(blockchain.LamportsPerSOL)).
		Round(nativeDecimals)
}

func buyer(match *blockchain.ParsedInstruction, detail *blockchain.TransactionDetail) string {
	if match.Destination != "" {
		return match.Destination
	}
	// accountKeys[0] is only trusted when the balance arrays are present
	if len(detail.PreBalances) > 0 && len(detail.PostBalances) > 0 && len(detail.AccountKeys) > 0 {
		return detail.AccountKeys[0]
	}
	return UnknownBuyer
}
