package appsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"clearnode/internal/apperr"
	"clearnode/internal/ledger"
	"clearnode/internal/lock"
	"clearnode/internal/models"
	"clearnode/internal/repository"
	"clearnode/internal/sign"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MaxQuorum is the quorum of a session where every participant must agree.
const MaxQuorum = 100

const (
	msgQuorumNotReached   = "quorum not reached"
	msgDepositorSignature = "depositor signature required"
)

type balanceKey struct {
	participant string
	asset       string
}

// signer is a wallet that signed, directly or through one of its session keys.
type signer struct {
	wallet     string
	sessionKey string
}

// signers of one payload, by wallet
type signers map[string]signer

func (sg signers) signed(wallet string) bool {
	_, ok := sg[wallet]
	return ok
}

// weight is the quorum weight the signers carry in session.
func (sg signers) weight(session *models.AppSession) uint64 {
	var total uint64
	for wallet := range sg {
		total += session.Weight(wallet)
	}
	return total
}

// recoverSigners resolves quorum signatures over hash to wallets. Raw 65-byte
// signatures count as wallet signatures. A session key resolves to the wallet
// that registered it, and only for the application it was registered for.
func (s *Service) recoverSigners(ctx context.Context, st repository.Store, hash common.Hash, sigs []sign.Sig, application string) (signers, error) {
	out := make(signers, len(sigs))
	for _, sig := range sigs {
		tagged, err := sign.Tag(sig, sign.RoleWallet)
		if err != nil {
			return nil, apperr.Authorization("invalid signature: %v", err)
		}
		role, addr, err := sign.RecoverTagged(hash.Bytes(), tagged)
		if err != nil {
			return nil, apperr.Authorization("invalid signature: %v", err)
		}

		if role == sign.RoleWallet {
			out[addr.Hex()] = signer{wallet: addr.Hex()}
			continue
		}

		key, err := st.SessionKeys().GetByAddress(ctx, addr.Hex())
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Authorization("unknown session key %s", addr.Hex())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session key: %w", err)
		}
		if key.Expired(s.now()) {
			return nil, apperr.Authorization("session key %s expired", key.Address)
		}
		if !strings.EqualFold(key.Application, application) {
			return nil, apperr.Authorization("session key %s is not authorized for %s", key.Address, application)
		}
		if _, direct := out[key.Wallet]; !direct {
			out[key.Wallet] = signer{wallet: key.Wallet, sessionKey: key.Address}
		}
	}
	return out, nil
}

func requireQuorum(session *models.AppSession, sg signers) error {
	if sg.weight(session) < session.Quorum {
		return apperr.Authorization(msgQuorumNotReached)
	}
	return nil
}

// fund moves amount from a wallet's unified balance into its session share,
// charging the session key allowance when the wallet signed through one.
func fund(ctx context.Context, st repository.Store, sessionID string, sg signers, wallet, asset string, amount decimal.Decimal) error {
	if _, err := ledger.Record(ctx, st, models.TransactionTypeAppDeposit,
		ledger.WalletAccount(wallet), ledger.SessionAccount(sessionID, wallet), asset, amount); err != nil {
		return err
	}
	if key := sg[wallet].sessionKey; key != "" {
		return ledger.ChargeAllowance(ctx, st, key, wallet, asset, amount)
	}
	return nil
}

func release(ctx context.Context, st repository.Store, sessionID, wallet, asset string, amount decimal.Decimal) error {
	_, err := ledger.Record(ctx, st, models.TransactionTypeAppWithdrawal,
		ledger.SessionAccount(sessionID, wallet), ledger.WalletAccount(wallet), asset, amount)
	return err
}

// deltas is next minus current for every (participant, asset) either side names.
func deltas(current []repository.Holding, next []Allocation) map[balanceKey]decimal.Decimal {
	out := make(map[balanceKey]decimal.Decimal, len(current)+len(next))
	for _, h := range current {
		k := balanceKey{participant: h.Wallet, asset: h.Asset}
		out[k] = out[k].Sub(h.Amount)
	}
	for _, a := range next {
		k := balanceKey{participant: a.Participant, asset: a.Asset}
		out[k] = out[k].Add(a.Amount)
	}
	return out
}

// sortedKeys orders non-zero deltas by asset, then participant.
func sortedKeys(d map[balanceKey]decimal.Decimal) []balanceKey {
	keys := make([]balanceKey, 0, len(d))
	for k, v := range d {
		if !v.IsZero() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].asset == keys[j].asset {
			return keys[i].participant < keys[j].participant
		}
		return keys[i].asset < keys[j].asset
	})
	return keys
}

func sumByAsset(d map[balanceKey]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for k, v := range d {
		out[k.asset] = out[k.asset].Add(v)
	}
	return out
}

func conserved(d map[balanceKey]decimal.Decimal) error {
	for asset, sum := range sumByAsset(d) {
		if !sum.IsZero() {
			return apperr.State("allocation sum mismatch for %s", asset)
		}
	}
	return nil
}

// rebalance moves shares between participants inside the session so every
// share changes by its delta. Deltas of each asset must sum to zero.
func rebalance(ctx context.Context, st repository.Store, sessionID string, d map[balanceKey]decimal.Decimal) error {
	var givers, takers []balanceKey
	for _, k := range sortedKeys(d) {
		if d[k].IsNegative() {
			givers = append(givers, k)
		} else {
			takers = append(takers, k)
		}
	}
	owed := make(map[balanceKey]decimal.Decimal, len(d))
	for k, v := range d {
		owed[k] = v.Abs()
	}

	for _, g := range givers {
		for _, t := range takers {
			if t.asset != g.asset || owed[g].IsZero() || owed[t].IsZero() {
				continue
			}
			amount := decimal.Min(owed[g], owed[t])
			if _, err := ledger.Record(ctx, st, models.TransactionTypeTransfer,
				ledger.SessionAccount(sessionID, g.participant), ledger.SessionAccount(sessionID, t.participant), g.asset, amount); err != nil {
				return err
			}
			owed[g] = owed[g].Sub(amount)
			owed[t] = owed[t].Sub(amount)
		}
		if !owed[g].IsZero() {
			return apperr.State("allocation sum mismatch for %s", g.asset)
		}
	}
	return nil
}

func lockKeys(sessionID string, participants []string) []string {
	keys := make([]string, 0, len(participants)+1)
	keys = append(keys, lock.SessionKey(sessionID))
	for _, p := range participants {
		keys = append(keys, lock.WalletKey(p))
	}
	return keys
}
