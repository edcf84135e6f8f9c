package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clockswitch/internal/chain"
	"clockswitch/internal/config"
	logx "clockswitch/pkg/logx"
	"clockswitch/pkg/pubkey"
)

type Config = config.Config

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func parseDurationAtLeast(path, raw string, min, def time.Duration) (time.Duration, error) {
	return config.ParseDurationAtLeast(path, raw, min, def)
}

// loadWallet reads the keypair at path, creating it on first use. An empty
// path gives a throwaway keypair.
func loadWallet(name, path string, log logx.Logger) (pubkey.Keypair, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		kp, err := pubkey.NewKeypair()
		if err != nil {
			return pubkey.Keypair{}, err
		}
		log.Warn("wallet path not set; using an ephemeral keypair", logx.String("wallet", name), logx.String("pubkey", kp.PublicKey().String()))
		return kp, nil
	}
	kp, created, err := pubkey.LoadOrCreateKeypairFile(path)
	if err != nil {
		return pubkey.Keypair{}, fmt.Errorf("wallet.%s: %w", name, err)
	}
	if created {
		log.Info("wallet created", logx.String("wallet", name), logx.String("path", path), logx.String("pubkey", kp.PublicKey().String()))
	}
	return kp, nil
}

// fundPayer airdrops the payer up to target lamports.
func fundPayer(ctx context.Context, ledger *chain.Runtime, payer pubkey.Key, target uint64, log logx.Logger) error {
	if target == 0 {
		return nil
	}
	acct, _ := ledger.GetAccount(payer)
	if acct.Lamports >= target {
		return nil
	}
	need := target - acct.Lamports
	if _, err := ledger.Airdrop(ctx, payer, need); err != nil {
		return fmt.Errorf("fund payer: %w", err)
	}
	log.Info("payer funded", logx.String("payer", payer.String()), logx.Uint64("lamports", need))
	return nil
}
