package main

import (
	"fmt"
	"io"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/config"
	"github.com/haasonsaas/sessiongate/pkg/models"
)

// =============================================================================
// Token and Config Command Handlers
// =============================================================================

func runToken(out io.Writer, configPath, userID, email string, roles []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	service := auth.NewService(cfg.AuthServiceConfig())
	token, err := service.GenerateJWT(&models.User{ID: userID, Email: email, Roles: roles})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	if _, err := out.Write(schema); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if err := config.ValidateFile(configPath); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%s is valid\n", configPath)
	return err
}
