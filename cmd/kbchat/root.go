package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kbchat/internal/api"
	"kbchat/internal/clipboard"
	"kbchat/internal/config"
	"kbchat/internal/export"
	"kbchat/internal/index"
	"kbchat/internal/logging"
	"kbchat/internal/ui"
)

var (
	errColor   = color.New(color.FgRed, color.Bold)
	headColor  = color.New(color.Bold)
	refColor   = color.New(color.FgCyan)
	dimColor   = color.New(color.Faint)
	toolColor  = color.New(color.FgYellow)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	titleColor = color.New(color.FgMagenta, color.Bold)
)

// app holds what every subcommand needs once flags and config are resolved.
type app struct {
	v          *viper.Viper
	configFile string

	cfg    config.AppConfig
	log    *logging.Logger
	client *api.Client
}

func newApp() *app {
	return &app{v: config.New()}
}

func newRootCmd(a *app) *cobra.Command {

	root := &cobra.Command{
		Use:           "kbchat",
		Short:         "Chat with your knowledge base from the terminal",
		Long:          "kbchat talks to a knowledge-base chat backend: streamed answers with cited sources, conversation history, and document management.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTUI()
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default $XDG_CONFIG_HOME/kbchat/config.yaml)")
	if err := config.BindFlags(a.v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(
		askCmd(a),
		conversationsCmd(a),
		docsCmd(a),
		searchCmd(a),
		statsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = logger
	if cfg.ConfigFile != "" {
		logger.Debug("loaded config", "path", cfg.ConfigFile)
	}

	client, err := api.New(cfg.BaseURL,
		api.WithTimeout(cfg.Timeout),
		api.WithLogger(logger.Component("api")),
	)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Close()
		a.log = nil
	}
}

func (a *app) openIndex() (*index.Indexer, error) {
	idx, err := index.New(a.cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	if !idx.FTSEnabled() {
		a.log.Component("index").Debug("fts5 unavailable, using LIKE search")
	}
	return idx, nil
}

func (a *app) runTUI() error {
	idx, err := a.openIndex()
	if err != nil {
		return err
	}
	defer idx.Close()

	exp, err := export.New(a.cfg.ExportDir)
	if err != nil {
		return err
	}

	m := ui.NewModel(a.cfg, a.client, idx, exp, clipboard.New(), a.log.Component("ui"))
	a.log.Info("starting ui", "base_url", a.client.BaseURL())
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
