package token

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"solana-buy-bot/internal/blockchain"
)

// DefaultCacheSize is used when the configured cache size is not positive
const DefaultCacheSize = 1024

// Chain is the subset of the RPC client the resolver reads from
type Chain interface {
	GetAccountInfo(ctx context.Context, address string) ([]byte, error)
	GetTokenSupply(ctx context.Context, mint string) (uint8, error)
}

// Fallback is a secondary token-info source keyed by mint
type Fallback interface {
	Fetch(ctx context.Context, mint string) (*FallbackInfo, error)
}

// Resolver turns a mint into display metadata.
// Lookup order: cache, on-chain metadata account + token supply, fallback API, sentinel.
type Resolver struct {
	chain    Chain
	fallback Fallback
	cache    *lru.Cache[string, TokenMetadata]
	group    singleflight.Group
}

// NewResolver creates a resolver. fallback may be nil.
func NewResolver(chain Chain, fallback Fallback, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, TokenMetadata](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		chain:    chain,
		fallback: fallback,
		cache:    cache,
	}, nil
}

// Resolve never fails: on total failure it returns the sentinel for mint.
func (r *Resolver) Resolve(ctx context.Context, mint string) TokenMetadata {
	if meta, ok := r.cache.Get(mint); ok {
		return meta
	}

	if err := blockchain.ValidateAddress(mint); err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("cannot resolve metadata for invalid mint")
		return Unknown(mint)
	}

	v, _, _ := r.group.Do(mint, func() (interface{}, error) {
		meta, complete := r.resolve(ctx, mint)
		if complete {
			r.cache.Add(mint, meta)
		}
		return meta, nil
	})
	return v.(TokenMetadata)
}

// CacheSize returns number of cached tokens
func (r *Resolver) CacheSize() int {
	return r.cache.Len()
}

// resolve reports complete=true only when name/symbol and decimals both came from a real source
func (r *Resolver) resolve(ctx context.Context, mint string) (TokenMetadata, bool) {
	meta := TokenMetadata{Mint: mint}

	name, symbol, haveNames := r.fromChain(ctx, mint)
	decimals, haveDecimals := r.decimals(ctx, mint)
	if haveNames {
		meta.Name, meta.Symbol = name, symbol
	}
	if haveDecimals {
		meta.Decimals = decimals
	}
	if haveNames && haveDecimals {
		return meta, true
	}

	info := r.fromFallback(ctx, mint)
	if info != nil {
		if !haveNames && (info.Name != "" || info.Symbol != "") {
			meta.Name, meta.Symbol = info.Name, info.Symbol
			haveNames = true
		}
		if !haveDecimals && info.Decimals != nil && *info.Decimals >= 0 && *info.Decimals <= 255 {
			meta.Decimals = uint8(*info.Decimals)
			haveDecimals = true
		}
	}

	if !haveNames {
		log.Info().Str("mint", mint).Bool("decimals", haveDecimals).Msg("metadata unavailable, using placeholder")
		placeholder := Unknown(mint)
		placeholder.Decimals = meta.Decimals
		return placeholder, false
	}
	if meta.Name == "" {
		meta.Name = UnknownName
	}
	if meta.Symbol == "" {
		meta.Symbol = UnknownSymbol
	}
	return meta, haveDecimals
}

func (r *Resolver) fromChain(ctx context.Context, mint string) (string, string, bool) {
	addr, err := blockchain.MetadataAddress(mint)
	if err != nil {
		log.Warn().Err(err).Str("mint", mint).Msg("metadata address derivation failed")
		return "", "", false
	}

	data, err := r.chain.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, blockchain.ErrNotFound) {
			log.Debug().Str("mint", mint).Str("account", addr).Msg("no on-chain metadata account")
		} else {
			log.Warn().Err(err).Str("mint", mint).Str("reason", blockchain.Describe(err)).Msg("metadata account fetch failed")
		}
		return "", "", false
	}

	name, symbol, ok := DecodeMetadataAccount(data)
	if !ok {
		log.Debug().Str("mint", mint).Int("bytes", len(data)).Msg("metadata account empty or truncated")
	}
	return name, symbol, ok
}

func (r *Resolver) decimals(ctx context.Context, mint string) (uint8, bool) {
	d, err := r.chain.GetTokenSupply(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("token supply unavailable")
		return 0, false
	}
	return d, true
}

func (r *Resolver) fromFallback(ctx context.Context, mint string) *FallbackInfo {
	if r.fallback == nil {
		return nil
	}
	info, err := r.fallback.Fetch(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("fallback token API failed")
		return nil
	}
	return info
}
