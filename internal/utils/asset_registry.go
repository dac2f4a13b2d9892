package utils

import (
	"fmt"
	"sort"
	"strings"

	"clearnode/internal/config"

	"github.com/ethereum/go-ethereum/common"
)

// AssetInfo one token deployment backing a ledger asset
type AssetInfo struct {
	Symbol   string         `json:"symbol"`
	ChainID  uint64         `json:"chain_id"`
	Token    common.Address `json:"token"`
	Decimals uint8          `json:"decimals"`
}

// AssetRegistry resolves ledger asset symbols to token deployments and back.
// A symbol keeps the same decimals on every chain it is deployed to.
type AssetRegistry struct {
	bySymbol map[string][]*AssetInfo
	byToken  map[string]*AssetInfo
}

// NormalizeAsset is the ledger key of an asset symbol
func NormalizeAsset(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

func tokenKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(token.Hex()))
}

// NewAssetRegistry builds the registry from configured assets
func NewAssetRegistry(assets []config.AssetConfig) (*AssetRegistry, error) {
	r := &AssetRegistry{
		bySymbol: make(map[string][]*AssetInfo),
		byToken:  make(map[string]*AssetInfo),
	}
	for _, a := range assets {
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset on chain %d has no symbol", a.ChainID)
		}
		if !IsEvmAddress(a.Token) {
			return nil, fmt.Errorf("asset %s: invalid token address %q", a.Symbol, a.Token)
		}
		info := &AssetInfo{
			Symbol:   NormalizeAsset(a.Symbol),
			ChainID:  a.ChainID,
			Token:    common.HexToAddress(a.Token),
			Decimals: a.Decimals,
		}
		if existing := r.bySymbol[info.Symbol]; len(existing) > 0 && existing[0].Decimals != info.Decimals {
			return nil, fmt.Errorf("asset %s: decimals %d on chain %d differ from %d", info.Symbol, info.Decimals, info.ChainID, existing[0].Decimals)
		}
		key := tokenKey(info.ChainID, info.Token)
		if _, dup := r.byToken[key]; dup {
			return nil, fmt.Errorf("token %s registered twice on chain %d", info.Token.Hex(), info.ChainID)
		}
		r.byToken[key] = info
		r.bySymbol[info.Symbol] = append(r.bySymbol[info.Symbol], info)
	}
	return r, nil
}

// Known reports whether symbol is a configured asset
func (r *AssetRegistry) Known(symbol string) bool {
	_, ok := r.bySymbol[NormalizeAsset(symbol)]
	return ok
}

// Decimals of a symbol
func (r *AssetRegistry) Decimals(symbol string) (uint8, bool) {
	infos, ok := r.bySymbol[NormalizeAsset(symbol)]
	if !ok {
		return 0, false
	}
	return infos[0].Decimals, true
}

// ByToken resolves the asset deployed at token on chainID
func (r *AssetRegistry) ByToken(chainID uint64, token common.Address) (*AssetInfo, error) {
	info, ok := r.byToken[tokenKey(chainID, token)]
	if !ok {
		return nil, fmt.Errorf("unsupported token %s on chain %d", token.Hex(), chainID)
	}
	return info, nil
}

// BySymbol resolves the deployment of symbol on chainID
func (r *AssetRegistry) BySymbol(symbol string, chainID uint64) (*AssetInfo, error) {
	for _, info := range r.bySymbol[NormalizeAsset(symbol)] {
		if info.ChainID == chainID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("asset %s not supported on chain %d", symbol, chainID)
}

// All lists every deployment sorted by symbol then chain
func (r *AssetRegistry) All() []AssetInfo {
	out := make([]AssetInfo, 0, len(r.byToken))
	for _, info := range r.byToken {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
