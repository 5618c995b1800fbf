package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/drawbridge/collab/collab"
	"github.com/drawbridge/collab/relay"
)

const DefaultListen = ":8090"
const DefaultDb = "relay.db"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Collab relay.

Usage:
    relayd serve --secret=<secret> [--listen=<listen>] [--db=<db>] [-v...]
    relayd mint --secret=<secret> --user=<user> --doc=<doc> [--write] [--expires=<hours>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --secret=<secret>      HMAC secret for access tokens.
    --listen=<listen>      Listen address [default: %s].
    --db=<db>              Sqlite database path [default: %s].
    --user=<user>          User id for the minted token.
    --doc=<doc>            Document id for the minted token.
    --write                Mint a writable token.
    --expires=<hours>      Token lifetime in hours [default: 24].
    -v                     Increase log verbosity.`,
		DefaultListen,
		DefaultDb,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if v, _ := opts.Int("-v"); 0 < v {
		flag.Set("logtostderr", "true")
		flag.Set("v", fmt.Sprintf("%d", v))
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mint_, _ := opts.Bool("mint"); mint_ {
		mint(opts)
	}
}

func serve(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	listen, _ := opts.String("--listen")
	dbPath, _ := opts.String("--db")

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	operationLog, err := relay.OpenOperationLog(dbPath)
	if err != nil {
		glog.Errorf("open log error = %s\n", err)
		os.Exit(1)
	}
	defer operationLog.Close()

	r := relay.New(cancelCtx, operationLog, relay.DefaultSettings([]byte(secret)))
	defer r.Close()

	server := &http.Server{
		Addr:    listen,
		Handler: r.Router(),
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("listening on %s\n", listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("serve error = %s\n", err)
		os.Exit(1)
	}
}

func mint(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	userId, _ := opts.String("--user")
	documentId, _ := opts.String("--doc")
	canWrite, _ := opts.Bool("--write")
	expiresHours, _ := opts.Int("--expires")

	token, err := collab.NewAccessToken(
		&collab.AccessClaims{
			UserId:     userId,
			DocumentId: documentId,
			CanWrite:   canWrite,
		},
		[]byte(secret),
		time.Duration(expiresHours)*time.Hour,
	)
	if err != nil {
		glog.Errorf("mint error = %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", token)
}
