package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/config"
	"github.com/septivank/vetsync-engine/internal/logging"
	"github.com/septivank/vetsync-engine/internal/store"
)

func main() {
	config.LoadEnvFile()
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env carries what every subcommand needs. Configuration is loaded lazily
// so flags bound to viper take effect.
type env struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func (e *env) load() error {
	if e.cfg != nil {
		return nil
	}
	cfg, err := config.LoadWith(e.v)
	if err != nil {
		return err
	}
	level := e.v.GetString("cli.log_level")
	logger, err := logging.NewLogger("sessionctl", level)
	if err != nil {
		return err
	}
	e.cfg, e.logger = cfg, logger
	return nil
}

func (e *env) openStore(ctx context.Context) (*store.Store, error) {
	if err := e.load(); err != nil {
		return nil, err
	}
	if e.cfg.Store.Path == "" {
		return nil, fmt.Errorf("--store is required")
	}
	return store.Open(ctx, e.cfg.Store.Path, e.logger)
}

func newRootCmd() *cobra.Command {
	e := &env{v: viper.New()}

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Inspect and maintain perioperative monitoring sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("store", "", "session store path (STORE_PATH)")
	flags.String("device", "", "device id (SERVICE_DEVICE_ID)")
	flags.String("backend", "", "backend base url (BACKEND_URL)")
	flags.String("log-level", "warn", "log level")
	_ = e.v.BindPFlag("store.path", flags.Lookup("store"))
	_ = e.v.BindPFlag("service.device_id", flags.Lookup("device"))
	_ = e.v.BindPFlag("backend.url", flags.Lookup("backend"))
	_ = e.v.BindPFlag("cli.log_level", flags.Lookup("log-level"))

	root.AddCommand(newListCmd(e))
	root.AddCommand(newShowCmd(e))
	root.AddCommand(newReplayCmd(e))
	root.AddCommand(newExtractCmd(e))
	root.AddCommand(newSynthCmd())
	root.AddCommand(newSyncCmd(e))
	root.AddCommand(newResolveCmd(e))
	return root
}

func parseSessionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}
