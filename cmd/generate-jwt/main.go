package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"clearnode/internal/auth"
	"clearnode/internal/config"
	"clearnode/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "config file (defaults to config.yaml)")
	wallet := flag.String("wallet", "", "wallet address the token is issued for")
	sessionKey := flag.String("session-key", "", "session key address (defaults to the wallet)")
	application := flag.String("application", "clearnode", "application name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	walletAddr, err := utils.NormalizeAddress(*wallet)
	if err != nil {
		log.Fatalf("Invalid wallet: %v", err)
	}
	keyAddr := walletAddr
	if *sessionKey != "" {
		if keyAddr, err = utils.NormalizeAddress(*sessionKey); err != nil {
			log.Fatalf("Invalid session key: %v", err)
		}
	}

	now := time.Now()
	session := &auth.Session{
		Wallet:      walletAddr,
		SessionKey:  keyAddr,
		Application: *application,
		ExpiresAt:   now.Add(*ttl),
	}
	tokenString, err := auth.GenerateToken([]byte(config.AppConfig.Auth.JWTSecret), session, now, *ttl)
	if err != nil {
		log.Fatalf("Error generating token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Printf("  Wallet:      %s\n", walletAddr)
	fmt.Printf("  Session key: %s\n", keyAddr)
	fmt.Printf("  Expires:     %s\n", session.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:%d/api/v1/balances\n", tokenString, config.AppConfig.Server.Port)
}
