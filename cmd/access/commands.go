package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"sudooom.im.realtime/internal/auth"
	"sudooom.im.realtime/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket / WebTransport access server",
		Example: `  access serve --config configs/config.yaml
  IM_AUTH_SECRET=... access serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildTokenCmd 签发开发用 access token
func buildTokenCmd() *cobra.Command {
	var configPath, userID, email, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tokens, err := auth.NewTokenService(tokenConfig(cfg.Auth))
			if err != nil {
				return err
			}
			token, err := tokens.Generate(userID, email, role)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().StringVar(&email, "email", "", "Email")
	cmd.Flags().StringVar(&role, "role", "user", "Role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildConfigCmd 打印生效配置，敏感字段已隐藏
func buildConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := cfg.Redacted()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func tokenConfig(cfg config.AuthConfig) auth.TokenConfig {
	return auth.TokenConfig{
		Secret:       cfg.Secret,
		Algorithm:    cfg.Algorithm,
		Issuer:       cfg.Issuer,
		Audience:     cfg.Audience,
		MaxAge:       cfg.MaxAge,
		AccessExpire: cfg.AccessExpire,
	}
}
