// Command signalengine is the process entrypoint: a cobra root with
// fake-server/send/listen subcommands wired to internal/config,
// internal/fakeservice, internal/sender, and internal/receiver. It replaces
// the teacher's two single-purpose main.go files (cmd/client, cmd/server)
// with one multi-command binary, in the idiom wbd2023-UNSW-COMP6841-Ciphera
// uses for its cobra CLI.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"signalengine/internal/config"
	"signalengine/internal/fakeservice"
	"signalengine/internal/logging"
	"signalengine/internal/ratchetlib"
	"signalengine/internal/receiver"
	"signalengine/internal/sender"
	"signalengine/internal/signalproto"
	"signalengine/internal/store/mongostore"
	"signalengine/internal/store/rediscache"
	"signalengine/internal/worker"
	"signalengine/internal/wsresource"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "signalengine",
		Short: "Signal-protocol transport engine: send, listen, or run the local fake service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewDevelopment()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			logging.Init(logger)
			return nil
		},
	}
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(newFakeServerCommand(&cfg), newListenCommand(&cfg), newSendCommand(&cfg))
	return root
}

func newFakeServerCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "fake-server",
		Short: "run the local in-memory Signal service test double",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := fakeservice.New()
			logging.Info("fake-server: listening", zap.String("addr", cfg.ListenAddr))
			return svc.ListenAndServe(cfg.ListenAddr)
		},
	}
}

func newListenCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "connect the receive path to the message socket and dispatch incoming envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runListen(cmd.Context(), cfg)
		},
	}
}

func newSendCommand(cfg *config.Config) *cobra.Command {
	var to []string
	var body string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "encrypt and deliver a text message to one or more numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(to) == 0 {
				return fmt.Errorf("signalengine send: --to is required")
			}
			return runSend(cmd.Context(), cfg, to, body)
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient phone numbers")
	cmd.Flags().StringVar(&body, "body", "", "plaintext message body")
	return cmd
}

// bootstrap wires the store, ratchet manager, and fake-service transport
// shared by listen and send.
func bootstrap(ctx context.Context, cfg *config.Config) (*mongostore.Store, *ratchetlib.Manager, *fakeservice.Client, error) {
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	st := mongostore.New(mongoClient.Database("signalengine"), rediscache.New(rdb), cfg.LocalNumber, cfg.LocalDeviceID)

	identity, err := ratchetlib.GenerateIdentityKeyPair()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate identity: %w", err)
	}
	signedPreKey, err := ratchetlib.GenerateSignedPreKey(1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate signed pre-key: %w", err)
	}
	sessions := ratchetlib.NewManager(identity, signedPreKey)

	oneTime, err := ratchetlib.GenerateOneTimePreKeys(1, 100)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate one-time pre-keys: %w", err)
	}
	sessions.AddOneTimePreKeys(oneTime)

	client := fakeservice.NewClient(cfg.ServiceAddr, cfg.LocalNumber)
	return st, sessions, client, nil
}

func runListen(ctx context.Context, cfg *config.Config) error {
	st, sessions, client, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	r := receiver.New(st, sessions, receiver.Options{
		LocalNumber:    cfg.LocalNumber,
		LocalDeviceID:  cfg.LocalDeviceID,
		TaskTimeout:    cfg.TaskTimeout,
		PurgeThreshold: cfg.PurgeThreshold,
		MaxAttempts:    cfg.MaxAttempts,
	}, receiver.Handlers{
		OnMessage: func(evt *receiver.MessageEvent) {
			logging.Info("listen: message received", zap.String("source", evt.Source))
			evt.Confirm()
		},
		OnError: func(evt *receiver.ErrorEvent) {
			logging.Warn("listen: receive error", zap.Error(evt.Err))
		},
		OnAttachment: func(ctx context.Context, a *signalproto.AttachmentPointer) error {
			_, err := client.GetAttachment(ctx, a.ID)
			return err
		},
	})

	if err := r.QueueAllCached(ctx); err != nil {
		logging.Warn("listen: replay cached envelopes failed", zap.Error(err))
	}

	dialURL := "ws://" + cfg.ServiceAddr + "/v1/websocket?number=" + url.QueryEscape(cfg.LocalNumber)
	sup := wsresource.NewSupervisor(dialURL, nil, cfg.KeepAlive, cfg.ReconnectDelay, r.HandleRequest).
		WithReconnectProbe(cfg.LocalNumber, client.GetDevices)
	sup.OnEmpty = func() {
		logging.Info("listen: server drained inbox (3001)")
	}
	sup.OnReconnect = func() {
		logging.Info("listen: reconnecting")
	}
	sup.OnError = func(err error) {
		logging.Error("listen: reconnect probe failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sup.Run(runCtx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	return sup.Close()
}

func runSend(ctx context.Context, cfg *config.Config, to []string, body string) error {
	st, sessions, client, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}

	pool := worker.New(cfg.WorkerPoolSize)
	defer pool.Close()

	s := sender.New(st, client, sessions, cfg.LocalNumber, cfg.LocalDeviceID, pool)

	content := &signalproto.Content{
		DataMessage: &signalproto.DataMessage{
			Body:      body,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
	}

	done := make(chan struct{})
	s.Send(ctx, content.DataMessage.Timestamp, to, content, false, func(successful []string, errs []error) {
		for _, n := range successful {
			logging.Info("send: delivered", zap.String("number", n))
		}
		for _, e := range errs {
			logging.Error("send: failed", zap.Error(e))
		}
		close(done)
	})
	<-done
	return nil
}
