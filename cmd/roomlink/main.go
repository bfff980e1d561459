package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/roomlink/pkg/bootstrap"
	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/config"
	"github.com/go-go-golems/roomlink/pkg/eventbus"
	"github.com/go-go-golems/roomlink/pkg/logging"
	"github.com/go-go-golems/roomlink/pkg/storage"
)

var v *viper.Viper

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roomlink",
		Short:         "Headless chat client: connects, keeps local history, relays events",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			v, err = config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			return logging.InitFromViper(v)
		},
	}
	config.AddFlags(root.PersistentFlags())
	root.AddCommand(newRunCmd(), newInspectCmd(), newNotifyCmd())
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(v)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and send stdin lines to the active room",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go readLines(ctx, cmd.InOrStdin(), app)
			return app.Run(ctx)
		},
	}
}

// readLines sends every non-empty line as a chat message. "/logout" signs out.
func readLines(ctx context.Context, in io.Reader, app *bootstrap.App) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/logout":
			if err := app.Logout(); err != nil {
				log.Warn().Err(err).Msg("logout")
			}
			continue
		}
		if _, err := app.Sender.SendText(ctx, app.Store.ActiveRoomID(), line); err != nil {
			log.Warn().Err(err).Msg("message not sent")
		}
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the locally persisted snapshot as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			adapter, err := storage.Open(cfg.Storage)
			if err != nil {
				return err
			}
			defer func() { _ = adapter.Close() }()

			isNew, err := adapter.Connect(cmd.Context())
			if err != nil {
				return err
			}
			if isNew {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "# storage is empty")
				return err
			}
			snap, err := adapter.GetAllTree(cmd.Context())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer func() { _ = enc.Close() }()
			return errors.Wrap(enc.Encode(snap), "encode snapshot")
		},
	}
}

func newNotifyCmd() *cobra.Command {
	var topic, action, payload string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish an envelope to the inbound event stream of running clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return errors.New("notify needs --redis-enabled")
			}
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.Errorf("payload is not valid JSON: %s", payload)
				}
				raw = json.RawMessage(payload)
			}
			env := bus.Envelope{Topic: bus.Topic(topic), Action: bus.Action(action), Payload: raw}

			layer, err := eventbus.Build(cfg.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = layer.Close() }()
			if err := eventbus.Publish(layer.Publisher, layer.Settings.InTopic, env); err != nil {
				return err
			}
			log.Info().Str("stream", layer.Settings.InTopic).Str("envelope", env.String()).Msg("published")
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Envelope topic")
	cmd.Flags().StringVar(&action, "action", "", "Envelope action")
	cmd.Flags().StringVar(&payload, "payload", "", "Envelope payload as JSON")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
