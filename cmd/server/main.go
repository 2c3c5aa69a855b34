package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"kite-server/internal/config"
	"kite-server/internal/handlers"
	"kite-server/internal/middleware"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "kite-server",
	Short: "Group membership and permission server",
	Long: `kite-server owns group membership, roles and per-member permission
overrides. It serves a JSON API over HTTP and streams membership events
to connected clients over websockets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kite-server %s (%s)\n", handlers.Version, handlers.GitCommit)
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(flagConfig); err == nil {
			return fmt.Errorf("%s already exists", flagConfig)
		}
		if err := config.Save(flagConfig, config.Default()); err != nil {
			return err
		}
		fmt.Printf("wrote %s; set auth.jwt_secret before starting the server\n", flagConfig)
		return nil
	},
}

var tokenTTL time.Duration

// tokenCmd issues a bearer token for a user id. Intended for development
// and operator access; production tokens come from the identity provider.
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		auth := middleware.NewAuthenticator(conf.Auth.JWTSecret, conf.Auth.Issuer)
		now := time.Now()
		token, err := auth.Sign(jwt.RegisteredClaims{
			Subject:   args[0],
			Issuer:    conf.Auth.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Path to the YAML configuration file")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
