package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/replyflow/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "replyflow.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Load and validate the effective configuration",
				Action: runConfigValidate,
			},
			{
				Name:  "check-env",
				Usage: "Report which required environment variables are set",
				Action: func(c *cli.Context) error {
					result := CheckRequiredConfig()
					PrintConfigCheck(c.App.Writer, result)
					if len(result.Missing) > 0 {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Configuration is valid (ai=%s, database=%s, redis=%s)\n",
		cfg.AI.Provider, maskSecret(cfg.Database.URL), cfg.Redis.Addr)
	return nil
}
