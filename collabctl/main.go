package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/drawbridge/collab/collab"
)

const DefaultApiUrl = "http://127.0.0.1:8090"
const DefaultConnectUrl = "ws://127.0.0.1:8090/ws"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Collab document tool.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    collabctl tail --doc=<doc> [--token=<token>]
        [--api_url=<api_url>] [--connect_url=<connect_url>] [-v...]
    collabctl presence --doc=<doc> [--token=<token>]
        [--api_url=<api_url>] [--connect_url=<connect_url>] [-v...]
    collabctl chat --doc=<doc> --text=<text> [--token=<token>]
        [--api_url=<api_url>] [--connect_url=<connect_url>] [-v...]
    collabctl snapshot --doc=<doc> [--token=<token>]
        [--api_url=<api_url>] [--connect_url=<connect_url>] [-v...]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --doc=<doc>                Document id.
    --token=<token>            Access token. Prompted when not given.
    --text=<text>              Chat message text.
    --api_url=<api_url>
    --connect_url=<connect_url>
    -v                         Increase log verbosity.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if v, _ := opts.Int("-v"); 0 < v {
		flag.Set("logtostderr", "true")
		flag.Set("v", fmt.Sprintf("%d", v))
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	store, documentId := openStore(cancelCtx, opts)
	defer store.Close()

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(cancelCtx, store, documentId)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presence(cancelCtx, store, documentId)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		text, _ := opts.String("--text")
		chat(cancelCtx, store, documentId, text)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(cancelCtx, store, documentId)
	}
}

func openStore(ctx context.Context, opts docopt.Opts) (*collab.WsStore, string) {
	documentId, _ := opts.String("--doc")

	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	var connectUrl string
	if connectUrlAny := opts["--connect_url"]; connectUrlAny != nil {
		connectUrl = connectUrlAny.(string)
	} else {
		connectUrl = DefaultConnectUrl
	}

	var accessToken string
	if tokenAny := opts["--token"]; tokenAny != nil {
		accessToken = tokenAny.(string)
	} else {
		fmt.Print("access token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			glog.Errorf("read token error = %s\n", err)
			os.Exit(1)
		}
		accessToken = strings.TrimSpace(string(tokenBytes))
	}

	return collab.NewWsStoreWithDefaults(ctx, connectUrl, apiUrl, documentId, accessToken), documentId
}

func tail(ctx context.Context, store *collab.WsStore, documentId string) {
	unsubscribe, err := store.SubscribeToOperations(ctx, documentId, func(operation *collab.Operation) {
		fmt.Printf("%s %s %v\n", operation.OriginId, operation, operation.ElementIds)
	})
	if err != nil {
		glog.Errorf("subscribe error = %s\n", err)
		os.Exit(1)
	}
	defer unsubscribe()

	<-ctx.Done()
}

func presence(ctx context.Context, store *collab.WsStore, documentId string) {
	unsubscribe, err := store.SubscribeToPresence(ctx, documentId, func(records []*collab.PresenceRecord) {
		fmt.Printf("%d active:\n", len(records))
		for _, record := range records {
			fmt.Printf("  %s (%s) cursor=(%.0f, %.0f) active=%t\n",
				record.DisplayName,
				record.Color,
				record.Cursor.X,
				record.Cursor.Y,
				record.Cursor.IsActive,
			)
		}
	})
	if err != nil {
		glog.Errorf("subscribe error = %s\n", err)
		os.Exit(1)
	}
	defer unsubscribe()

	<-ctx.Done()
}

func chat(ctx context.Context, store *collab.WsStore, documentId string, text string) {
	if err := store.WaitForConnect(ctx); err != nil {
		glog.Errorf("connect error = %s\n", err)
		os.Exit(1)
	}

	claims, err := collab.ParseAccessTokenUnverified(store.AccessToken())
	userId := "cli"
	if err == nil {
		userId = claims.UserId
	}
	message := &collab.ChatMessage{
		UserId:      userId,
		DisplayName: userId,
		Text:        text,
		Timestamp:   collab.NowMilli(),
	}
	if err := store.SendChat(ctx, documentId, message); err != nil {
		glog.Errorf("chat error = %s\n", err)
		os.Exit(1)
	}
	fmt.Println("sent")
}

func snapshot(ctx context.Context, store *collab.WsStore, documentId string) {
	elements, err := store.GetDocumentSnapshot(ctx, documentId)
	if err != nil {
		glog.Errorf("snapshot error = %s\n", err)
		os.Exit(1)
	}
	for _, element := range elements {
		deleted := ""
		if element.Deleted {
			deleted = " (deleted)"
		}
		fmt.Printf("%s %s v%d @(%.0f, %.0f)%s\n",
			element.Id,
			element.Type,
			element.Version,
			element.X,
			element.Y,
			deleted,
		)
	}
}
