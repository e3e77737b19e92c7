// Command create-account adds a user to the chat store without starting
// the server.
//
//	create-account -username alice -password s3cret
//
// CHAT_USERNAME and CHAT_PASSWORD are used when the flags are omitted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-server/internal/config"
	"github.com/tbourn/go-chat-server/internal/repo"
	"github.com/tbourn/go-chat-server/internal/services"
	"github.com/tbourn/go-chat-server/internal/sysutil"
)

func main() {
	username := flag.String("username", "", "account name")
	password := flag.String("password", "", "account password")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.InitLogger(cfg.LogLevel, cfg.LogPretty)

	u := sysutil.FirstNonEmpty(*username, os.Getenv("CHAT_USERNAME"))
	p := sysutil.FirstNonEmpty(*password, os.Getenv("CHAT_PASSWORD"))
	if u == "" || p == "" {
		fmt.Fprintln(os.Stderr, "usage: create-account -username NAME -password PASS")
		os.Exit(2)
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name, err := services.NewAuthService(db, cfg.BcryptCost, cfg.SessionTTL).CreateAccount(ctx, u, p)
	if err != nil {
		if errors.Is(err, services.ErrConflict) || errors.Is(err, services.ErrValidation) {
			fmt.Fprintln(os.Stderr, services.Message(err, err.Error()))
			os.Exit(1)
		}
		log.Fatal().Err(err).Msg("create account")
	}
	fmt.Printf("created account %q\n", name)
}
