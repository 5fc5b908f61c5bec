package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/opd-ai/groupcrypt/config"
	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/groupcrypto"
	"github.com/opd-ai/groupcrypt/store"
)

type options struct {
	configPath   string
	dataDir      string
	databasePath string
	userID       string
	secret       string
}

// session is an opened database with its device and dispatcher.
type session struct {
	cfg    *config.Config
	store  *store.SQLite
	device *device.Device
	crypto *groupcrypto.GroupEncryptionCrypto
}

func (s *session) close(ctx context.Context) error {
	err := s.crypto.Close(ctx)
	s.device.Close()
	return multierr.Append(err, s.store.Close())
}

// Execute runs groupcryptctl with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "groupcryptctl",
		Short:         "Inspect and maintain group encryption device state",
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory")
	flags.StringVar(&opts.databasePath, "database", "", "database file (overrides --data-dir)")
	flags.StringVar(&opts.userID, "user", "", "local user id")
	flags.StringVarP(&opts.secret, "secret", "s", "", "pickle secret protecting key material")

	root.AddCommand(
		initCmd(opts),
		sessionsCmd(opts),
		exportCmd(opts),
		importCmd(opts),
		rotateFallbackCmd(opts),
	)
	return root
}

func (o *options) config() (*config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.userID != "" {
		cfg.UserID = o.userID
	}
	if o.secret != "" {
		cfg.PickleSecret = o.secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open loads the device, creating it on first use.
func (o *options) open(ctx context.Context) (*session, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}

	path := cfg.ResolveDatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	dev, err := device.New(st, device.Options{
		PickleSecret: []byte(cfg.PickleSecret),
		DeviceKeyTTL: cfg.DeviceKeyTTL.Duration,
	})
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	if err := dev.Initialize(ctx); err != nil {
		dev.Close()
		return nil, multierr.Append(err, st.Close())
	}

	logrus.WithFields(logrus.Fields{
		"function": "open",
		"database": path,
	}).Debug("Opened device database")

	// Nothing is shared offline, so the dispatcher has no transport.
	gc := groupcrypto.New(dev, nil, groupcrypto.Options{UserID: cfg.UserID})
	return &session{cfg: cfg, store: st, device: dev, crypto: gc}, nil
}

// withSession opens the database for the duration of fn.
func (o *options) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.close(ctx))
	}()
	return fn(ctx, s)
}
