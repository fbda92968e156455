package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"marginengine/cmd/engine"
	"marginengine/cmd/keys"
	"marginengine/src/database"
	"marginengine/src/repository"
	"marginengine/src/security"
)

var Version string

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logrus.SetLevel(level)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	SetupLogger()

	app := cli.NewApp()
	app.Name = "marginengine"
	app.Usage = "Leveraged position engine and market data pricing"
	app.Version = Version

	app.Commands = []cli.Command{
		engineCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the pricing engine and diagnostics server",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the pricing loops, deposit countdowns and the diagnostics HTTP server`,
	}
	keysCMD = cli.Command{
		Name:  "keys",
		Usage: "manage upstream API key pools",
		Subcommands: []cli.Command{
			{
				Name:      "add",
				Usage:     "add an active key to a service pool",
				ArgsUsage: "<service> <secret>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "label", Usage: "free-form label"},
					cli.IntFlag{Name: "priority", Usage: "rotation priority, lower first", Value: -1},
				},
				Action: keysAddAction,
			},
			{
				Name:      "list",
				Usage:     "list keys in rotation order",
				ArgsUsage: "[service]",
				Action:    keysListAction,
			},
			{
				Name:      "activate",
				Usage:     "reactivate a retired key",
				ArgsUsage: "<id>",
				Action:    keysSetActiveAction(true),
			},
			{
				Name:      "deactivate",
				Usage:     "take a key out of rotation",
				ArgsUsage: "<id>",
				Action:    keysSetActiveAction(false),
			},
		},
	}
)

func engineAction(_ *cli.Context) error {
	logrus.Info("Starting engine CMD")

	e := &engine.Engine{}
	if err := e.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func newKeys() (*keys.Keys, error) {
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to database")
		return nil, err
	}
	box, err := security.DefaultBox()
	if err != nil {
		return nil, err
	}
	return &keys.Keys{Repo: repository.NewAPIKeyRepository(), Box: box, Out: os.Stdout}, nil
}

func keysAddAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowSubcommandHelp(c)
	}
	k, err := newKeys()
	if err != nil {
		return err
	}
	priority := c.Int("priority")
	if priority < 0 {
		priority = keys.GetConfig().DefaultPriority
	}
	_, err = k.Add(context.Background(), c.Args().Get(0), c.String("label"), c.Args().Get(1), priority)
	return err
}

func keysListAction(c *cli.Context) error {
	k, err := newKeys()
	if err != nil {
		return err
	}
	return k.List(context.Background(), c.Args().First())
}

func keysSetActiveAction(active bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		id, err := strconv.ParseUint(c.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid key id %q", c.Args().First())
		}
		k, err := newKeys()
		if err != nil {
			return err
		}
		return k.SetActive(context.Background(), uint(id), active)
	}
}
