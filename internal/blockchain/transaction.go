package blockchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"
)

// rawTransaction is the jsonParsed getTransaction result
type rawTransaction struct {
	Slot        uint64   `json:"slot"`
	BlockTime   *int64   `json:"blockTime"`
	Meta        *rawMeta `json:"meta"`
	Transaction *struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []accountKey `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

type rawMeta struct {
	Err               interface{}       `json:"err"`
	PreBalances       []uint64          `json:"preBalances"`
	PostBalances      []uint64          `json:"postBalances"`
	InnerInstructions []rawInnerGroup   `json:"innerInstructions"`
	PreTokenBalances  []rawTokenBalance `json:"preTokenBalances"`
	PostTokenBalances []rawTokenBalance `json:"postTokenBalances"`
}

type rawInnerGroup struct {
	Index        int              `json:"index"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"` // object for known programs, string for memo, absent otherwise
}

type rawTokenBalance struct {
	AccountIndex int    `json:"accountIndex"`
	Mint         string `json:"mint"`
	Owner        string `json:"owner"`
}

// parsedTokenInstruction covers both transfer and transferChecked
type parsedTokenInstruction struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Mint        string `json:"mint"`
		Amount      string `json:"amount"`
		TokenAmount *struct {
			Amount string `json:"amount"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

// accountKey accepts both the jsonParsed object form and the plain string form
type accountKey struct {
	Pubkey string `json:"pubkey"`
	Signer bool   `json:"signer"`
}

func (k *accountKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &k.Pubkey)
	}
	type plain accountKey
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*k = accountKey(p)
	return nil
}

// ParseTransaction decodes a jsonParsed getTransaction result.
// A null result yields a NotFoundError; a result of the wrong shape yields a ParseError.
func ParseTransaction(signature string, result json.RawMessage) (*TransactionDetail, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &NotFoundError{Kind: "transaction", Key: signature}
	}

	var raw rawTransaction
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &ParseError{What: "transaction " + signature, Err: err}
	}
	if raw.Transaction == nil {
		return nil, &ParseError{What: "transaction " + signature, Err: errors.New("missing transaction body")}
	}

	detail := &TransactionDetail{
		Signature: signature,
		Slot:      raw.Slot,
	}
	if raw.BlockTime != nil {
		detail.BlockTime = *raw.BlockTime
	}

	for _, k := range raw.Transaction.Message.AccountKeys {
		detail.AccountKeys = append(detail.AccountKeys, k.Pubkey)
	}

	if raw.Meta == nil {
		// partial data: the detector reports spent 0 and falls back on the buyer
		return detail, nil
	}

	detail.PreBalances = raw.Meta.PreBalances
	detail.PostBalances = raw.Meta.PostBalances

	mints := tokenAccountMints(detail.AccountKeys, raw.Meta)
	for _, group := range raw.Meta.InnerInstructions {
		for _, ix := range group.Instructions {
			detail.InnerInstructions = append(detail.InnerInstructions, classifyInstruction(signature, ix, mints))
		}
	}

	return detail, nil
}

// tokenAccountMints maps token account address -> mint using the token balance tables
func tokenAccountMints(keys []string, meta *rawMeta) map[string]string {
	mints := make(map[string]string)
	add := func(balances []rawTokenBalance) {
		for _, b := range balances {
			if b.AccountIndex < 0 || b.AccountIndex >= len(keys) || b.Mint == "" {
				continue
			}
			mints[keys[b.AccountIndex]] = b.Mint
		}
	}
	add(meta.PreTokenBalances)
	add(meta.PostTokenBalances)
	return mints
}

func classifyInstruction(signature string, ix rawInstruction, mints map[string]string) ParsedInstruction {
	out := ParsedInstruction{Type: InstructionOther, Program: ix.ProgramID}

	if ix.ProgramID != TokenProgramID && ix.ProgramID != Token2022ProgramID && ix.Program != "spl-token" {
		return out
	}
	if len(ix.Parsed) == 0 || ix.Parsed[0] != '{' {
		return out
	}

	var parsed parsedTokenInstruction
	if err := json.Unmarshal(ix.Parsed, &parsed); err != nil {
		log.Warn().Err(err).Str("sig", signature).Msg("unreadable token instruction, ignoring")
		return out
	}
	if parsed.Type != "transfer" && parsed.Type != "transferChecked" {
		return out
	}

	amountStr := parsed.Info.Amount
	if parsed.Info.TokenAmount != nil {
		amountStr = parsed.Info.TokenAmount.Amount
	}
	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		log.Warn().Err(err).Str("sig", signature).Str("amount", amountStr).Msg("bad transfer amount, ignoring")
		return out
	}

	mint := parsed.Info.Mint
	if mint == "" {
		// plain transfer carries no mint; recover it from the token balance tables
		if m, ok := mints[parsed.Info.Destination]; ok {
			mint = m
		} else if m, ok := mints[parsed.Info.Source]; ok {
			mint = m
		}
	}

	out.Type = InstructionTransfer
	out.Mint = mint
	out.Source = parsed.Info.Source
	out.Destination = parsed.Info.Destination
	out.AmountRaw = amount
	return out
}
