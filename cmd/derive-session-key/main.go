package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"clearnode/internal/sessionkey"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

func main() {
	adjudicator := flag.String("adjudicator", "", "adjudicator contract address")
	application := flag.String("application", "", "application contract address")
	nonce := flag.Int64("nonce", 0, "derivation nonce")
	chainID := flag.Uint64("chain-id", 0, "bind the key to one chain (0 keeps it chain-agnostic)")
	showPrivate := flag.Bool("show-private", false, "print the derived private key")
	flag.Parse()

	// the wallet key is read from the environment so it stays out of shell history
	walletHex := strings.TrimPrefix(os.Getenv("WALLET_PRIVATE_KEY"), "0x")
	if walletHex == "" {
		log.Fatal("WALLET_PRIVATE_KEY is required")
	}
	walletKey, err := crypto.HexToECDSA(walletHex)
	if err != nil {
		log.Fatalf("Invalid wallet key: %v", err)
	}
	for name, addr := range map[string]string{"adjudicator": *adjudicator, "application": *application} {
		if !common.IsHexAddress(addr) {
			log.Fatalf("Invalid %s address: %q", name, addr)
		}
	}

	params := sessionkey.Params{
		Adjudicator: common.HexToAddress(*adjudicator),
		Application: common.HexToAddress(*application),
		Nonce:       big.NewInt(*nonce),
	}
	if *chainID != 0 {
		params.ChainID = new(big.Int).SetUint64(*chainID)
	}

	key, err := sessionkey.Derive(context.Background(), sessionkey.NewLocalWallet(walletKey), params,
		sessionkey.WithLogger(logrus.New()))
	if err != nil {
		log.Fatalf("Derivation failed: %v", err)
	}

	fmt.Printf("🔑 Wallet:      %s\n", key.Wallet.Hex())
	fmt.Printf("🔑 Session key: %s\n", key.Address.Hex())
	if *showPrivate {
		fmt.Printf("🔐 Private key: %s\n", hexutil.Encode(crypto.FromECDSA(key.PrivateKey)))
	}
}
