package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/blazeintel/rtssf/config"
	"github.com/blazeintel/rtssf/providers"
	"github.com/blazeintel/rtssf/src/client"
	"github.com/blazeintel/rtssf/src/team"
	"github.com/blazeintel/rtssf/src/types"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const ServiceName = "rtssf"

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Real-time sports signal fabric",
		Version: providers.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"RTSSF_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			watchCmd(),
		},
	}
	return app.Run(os.Args)
}

func load(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, config.NewLogger(cfg.Log, os.Stderr), nil
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the signal publisher",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := load(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := providers.NewServer(cfg, nil, logger)
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			logger.Info().Msg("publisher stopped")
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"w"},
		Usage:   "Follow one team's signals and log overlay calls",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Signal endpoint, overrides client.url",
			},
			&cli.StringFlag{
				Name:     "team",
				Usage:    "Team code",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "channels",
				Usage: "Channels to subscribe; defaults to the team channels",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				EnvVars: []string{"RTSSF_AUTH_TOKEN"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := load(c)
			if err != nil {
				return err
			}
			opts := client.OptionsFromConfig(cfg.Client)
			if u := c.String("url"); u != "" {
				opts.URL = u
			}
			if tok := c.String("token"); tok != "" {
				opts.AuthToken = tok
			}
			if opts.URL == "" {
				return fmt.Errorf("no endpoint: set --url or client.url")
			}

			base := client.New(opts, logger)
			tc := team.New(base, c.String("team"), logger)
			defer tc.Close()
			tc.SetOverlaySystem(logOverlays{logger: logger.With().Str("team", tc.Team()).Logger()})

			failed := make(chan struct{}, 1)
			base.On(client.EventReconnectionFailed, func(d client.EventData) {
				select {
				case failed <- struct{}{}:
				default:
				}
			})
			base.On(client.EventDisconnected, func(d client.EventData) {
				logger.Warn().Int("code", d.CloseCode).Msg("disconnected")
			})

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := tc.ConnectAndSubscribe(ctx, splitChannels(c.StringSlice("channels"))...); err != nil {
				return err
			}
			defer base.Disconnect()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				return nil
			case <-failed:
				return client.ErrReconnectionFailed
			}
		},
	}
}

// splitChannels accepts both repeated flags and comma lists.
func splitChannels(raw []string) []types.Channel {
	var out []string
	for _, r := range raw {
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return types.ParseChannels(out)
}

// logOverlays is an overlay adapter that only logs.
type logOverlays struct {
	logger zerolog.Logger
}

func (l logOverlays) UpdateOverlay(id string, value map[string]any) error {
	l.logger.Info().Str("overlay", id).Interface("value", value).Msg("overlay update")
	return nil
}

func (l logOverlays) AddOverlay(id, kind string, value map[string]any, opts team.OverlayOptions) error {
	l.logger.Warn().
		Str("overlay", id).
		Str("kind", kind).
		Dur("duration", opts.Duration).
		Interface("value", value).
		Msg("overlay added")
	return nil
}
