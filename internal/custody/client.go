package custody

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"clearnode/internal/config"
	"clearnode/internal/sign"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Backend is satisfied by *ethclient.Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client submits the custody calls the broker makes on its own behalf.
type Client struct {
	chainID  uint64
	address  common.Address
	backend  Backend
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	gasLimit uint64
	logger   *logrus.Logger
}

func NewClient(network config.NetworkConfig, backend Backend, signer *sign.Signer, logger *logrus.Logger) (*Client, error) {
	if !common.IsHexAddress(network.CustodyContract) {
		return nil, fmt.Errorf("network %s: invalid custody contract %q", network.Name, network.CustodyContract)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(signer.PrivateKey(), new(big.Int).SetUint64(network.ChainID))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	address := common.HexToAddress(network.CustodyContract)
	return &Client{
		chainID:  network.ChainID,
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, ContractABI, backend, backend, backend),
		opts:     opts,
		gasLimit: network.GasLimit,
		logger:   logger,
	}, nil
}

func (c *Client) ChainID() uint64 { return c.chainID }

func (c *Client) Address() common.Address { return c.address }

// Challenge forces candidate on-chain. proofs are the states it supersedes.
func (c *Client) Challenge(ctx context.Context, channelID common.Hash, candidate State, proofs []State, challengerSig []byte) (*types.Transaction, error) {
	return c.transact(ctx, "challenge", [32]byte(channelID), candidate, nonNilStates(proofs), challengerSig)
}

// Checkpoint records candidate on-chain without starting a challenge.
func (c *Client) Checkpoint(ctx context.Context, channelID common.Hash, candidate State, proofs []State) (*types.Transaction, error) {
	return c.transact(ctx, "checkpoint", [32]byte(channelID), candidate, nonNilStates(proofs))
}

// WaitMined blocks until tx is included and fails on a reverted receipt.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	opts := *c.opts
	opts.Context = ctx
	if c.gasLimit > 0 {
		opts.GasLimit = c.gasLimit
	}
	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.logger.WithFields(logrus.Fields{
		"chain_id": c.chainID,
		"method":   method,
		"tx":       tx.Hash().Hex(),
	}).Info("📤 Custody transaction sent")
	return tx, nil
}

func nonNilStates(states []State) []State {
	if states == nil {
		return []State{}
	}
	return states
}
