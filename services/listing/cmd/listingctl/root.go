package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"autosouq/internal/util"
	"autosouq/pkg/domain"
	"autosouq/pkg/refcache"
	"autosouq/pkg/storage"
	"autosouq/pkg/store"
	"autosouq/services/listing/internal/app"
	"autosouq/services/listing/internal/config"
)

// operator is the identity used for maintenance reads.
var operator = domain.User{ID: "listingctl", Role: domain.RoleAdmin}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "listingctl",
		Short: "Maintenance commands for the listing service",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the listing config file (defaults to LISTING_CONFIG_PATH)")

	open := func() (*app.App, func(), error) {
		return openApp(configPath)
	}
	cmd.AddCommand(
		newRepairPrimaryCmd(open),
		newWarmCacheCmd(open),
		newInvalidateCacheCmd(open),
		newRevisionsCmd(open),
	)
	return cmd
}

type appOpener func() (*app.App, func(), error)

func openApp(configPath string) (*app.App, func(), error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init object store: %w", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	refs, err := refcache.New(refcache.Config{Source: db, Client: redisClient, TTL: cfg.ReferenceCacheTTL()})
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("init reference cache: %w", err)
	}
	a, err := app.New(app.Config{Store: db, Objects: objects, References: refs})
	if err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("init app: %w", err)
	}
	cleanup := func() {
		_ = a.Close()
		_ = redisClient.Close()
	}
	return a, cleanup, nil
}

func newRepairPrimaryCmd(open appOpener) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "repair-primary [listing-id...]",
		Short: "Ensure each listing with images has exactly one primary image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("pass listing ids or --all")
			}
			if len(args) > 0 && all {
				return fmt.Errorf("--all cannot be combined with listing ids")
			}
			a, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()
			repaired, err := a.RepairPrimary(cmd.Context(), args)
			printRepaired(cmd.OutOrStdout(), repaired)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "repair every listing")
	return cmd
}

func printRepaired(w io.Writer, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintln(w, "no listings needed repair")
		return
	}
	for _, id := range ids {
		fmt.Fprintf(w, "repaired %s\n", id)
	}
	fmt.Fprintf(w, "%d listing(s) repaired\n", len(ids))
}

func newWarmCacheCmd(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "warm-cache",
		Short: "Preload brand, model, category, country and city lists into Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()
			n, err := a.WarmReferences(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d reference lists cached\n", n)
			return nil
		},
	}
}

func newInvalidateCacheCmd(open appOpener) *cobra.Command {
	return &cobra.Command{
		Use:       "invalidate-cache <kind>...",
		Short:     "Drop cached reference lists",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: kindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			a, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := a.InvalidateReferences(cmd.Context(), kinds...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", strings.Join(args, ", "))
			return nil
		},
	}
}

var allKinds = []refcache.Kind{
	refcache.KindBrands,
	refcache.KindModels,
	refcache.KindCategories,
	refcache.KindCountries,
	refcache.KindCities,
}

func kindNames() []string {
	names := make([]string, 0, len(allKinds))
	for _, k := range allKinds {
		names = append(names, string(k))
	}
	return names
}

func parseKinds(args []string) ([]refcache.Kind, error) {
	kinds := make([]refcache.Kind, 0, len(args))
	for _, arg := range args {
		name := strings.ToLower(strings.TrimSpace(arg))
		if name == "all" {
			return allKinds, nil
		}
		found := false
		for _, k := range allKinds {
			if string(k) == name {
				kinds = append(kinds, k)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown cache kind %q (want one of %s or all)", arg, strings.Join(kindNames(), ", "))
		}
	}
	return kinds, nil
}

func newRevisionsCmd(open appOpener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "revisions <listing-id>",
		Short: "Print the edit history of a listing as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := open()
			if err != nil {
				return err
			}
			defer cleanup()
			revs, err := a.ListRevisions(cmd.Context(), operator, args[0], limit)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), revs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum revisions to print")
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
