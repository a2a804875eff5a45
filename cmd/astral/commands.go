package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"astral-proxy/internal/infra/config"
)

const commandTimeout = 20 * time.Second

func runLookup(ctx context.Context, cfgPath, player string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	a, err := startOneShot(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	tags, err := a.players.GetPlayerTags(ctx, player)
	if err != nil {
		return err
	}
	ping := a.players.GetPingInfo(ctx, player)
	stats := a.players.GetAggregatedStats(ctx, player)
	renderLookup(w, player, tags, ping, stats)
	return nil
}

func runUsers(ctx context.Context, cfgPath string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	a, err := startOneShot(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	users, err := a.link.RequestUserList(ctx)
	if err != nil {
		return err
	}
	renderUsers(w, users)
	return nil
}

func runEncrypt(value string, w io.Writer) error {
	passphrase := os.Getenv("ASTRAL_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("ASTRAL_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "enc:"+enc)
	return nil
}
