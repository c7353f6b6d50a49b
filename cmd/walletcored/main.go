package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/rawblock/walletcore/internal/chainrpc"
	"github.com/rawblock/walletcore/internal/store"
	"github.com/rawblock/walletcore/internal/walletapi"
	"github.com/rawblock/walletcore/pkg/keychain"
)

const (
	externalKeychain = "external"
	internalKeychain = "internal"

	defaultLookahead = 25
)

func main() {
	log.Println("starting walletcore...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ──────────────────────────────────────────────────────────────────

	dbURL := requireEnv("DATABASE_URL")

	dbConn, err := store.Connect(dbURL)
	if err != nil {
		log.Printf("warning: failed to connect to PostgreSQL, continuing without persistence: %v", err)
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("warning: schema init failed: %v", err)
		}
	}

	index, err := buildIndex()
	if err != nil {
		log.Fatalf("FATAL: failed to build keychain index: %v", err)
	}

	if dbConn != nil {
		additions, err := dbConn.LoadDerivationAdditions(context.Background())
		if err != nil {
			log.Printf("warning: failed to load persisted derivation additions: %v", err)
		} else if !additions.IsEmpty() {
			index.ApplyAdditions(additions)
			log.Printf("replayed %d persisted derivation watermarks", len(additions))
		}
	}

	btcHost := getEnvOrDefault("BTC_RPC_HOST", "localhost:8332")
	btcUser := requireEnv("BTC_RPC_USER")
	btcPass := requireEnv("BTC_RPC_PASS")

	chainClient, err := chainrpc.NewClient(chainrpc.Config{Host: btcHost, User: btcUser, Pass: btcPass})
	if err != nil {
		log.Printf("warning: failed to connect to Bitcoin RPC: %v", err)
	} else {
		defer chainClient.Shutdown()
	}

	hub := walletapi.NewHub()
	go hub.Run()

	svc := walletapi.NewService(index, dbConn, chainClient, hub)
	r := walletapi.SetupRouter(svc)

	port := getEnvOrDefault("PORT", "5339")
	log.Printf("walletcore listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// buildIndex registers the external and internal (change) keychains from
// extended public keys supplied via environment, mirroring a standard
// BIP-84-style two-keychain wallet.
func buildIndex() (*keychain.KeychainTxOutIndex[string], error) {
	index := keychain.NewKeychainTxOutIndex[string]()

	lookahead := uint32(defaultLookahead)
	if raw := os.Getenv("LOOKAHEAD"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			lookahead = uint32(n)
		}
	}

	params := &chaincfg.MainNetParams
	if getEnvOrDefault("BTC_NETWORK", "mainnet") == "testnet" {
		params = &chaincfg.TestNet3Params
	}

	for _, kc := range []struct {
		name   string
		envKey string
	}{
		{externalKeychain, "WALLET_EXTERNAL_XPUB"},
		{internalKeychain, "WALLET_INTERNAL_XPUB"},
	} {
		xpub := requireEnv(kc.envKey)
		key, err := hdkeychain.NewKeyFromString(xpub)
		if err != nil {
			return nil, err
		}
		desc := keychain.NewHDDescriptor(key, true, params)
		index.AddKeychain(kc.name, desc)
		index.SetLookahead(kc.name, lookahead)
	}

	return index, nil
}

// requireEnv reads a required environment variable and exits if it is not
// set, preventing the binary from starting with missing critical
// configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
