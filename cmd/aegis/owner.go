package main

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aegis-siem/aegis/internal/config"
	aegiserrors "github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/logging"
	"github.com/aegis-siem/aegis/internal/models"
	"github.com/aegis-siem/aegis/internal/server/auth"
	"github.com/aegis-siem/aegis/internal/server/store"
)

var (
	flagOwnerEmail    string
	flagOwnerPassword string
)

var createOwnerCmd = &cobra.Command{
	Use:   "create-owner",
	Short: "Bootstrap the first owner account",
	Long:  `Creates the initial owner account directly in the database. Every later account is created through the API by this owner, so this command refuses to run once an owner exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreateOwner()
	},
}

func init() {
	createOwnerCmd.Flags().StringVar(&flagOwnerEmail, "email", "", "email address for the owner account")
	createOwnerCmd.Flags().StringVar(&flagOwnerPassword, "password", "", "password (prefer AEGIS_OWNER_PASSWORD or the interactive prompt)")
}

var readPassword = term.ReadPassword

// ownerPassword resolves the password without echoing it: environment
// variable first, then the flag, then an interactive prompt with
// confirmation.
func ownerPassword() (string, error) {
	if pass := os.Getenv("AEGIS_OWNER_PASSWORD"); pass != "" {
		return pass, nil
	}
	if flagOwnerPassword != "" {
		return flagOwnerPassword, nil
	}

	fmt.Print("Enter password for the owner account: ")
	first, err := readPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	fmt.Print("Confirm password: ")
	second, err := readPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func runCreateOwner() error {
	logging.Init(logging.Config{
		Format:    "console",
		Level:     "warn",
		Component: "aegis",
	})

	email := strings.ToLower(strings.TrimSpace(flagOwnerEmail))
	if email == "" {
		return errors.New("--email is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address %q", flagOwnerEmail)
	}

	password, err := ownerPassword()
	if err != nil {
		return err
	}
	if err := auth.ValidatePasswordComplexity(password); err != nil {
		return errors.New(aegiserrors.Message(err))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to the central store: %w", err)
	}
	defer st.Close()

	existing, err := st.OwnerUser(ctx)
	if err == nil {
		return fmt.Errorf("an owner account already exists (%s); additional accounts are created through the API", existing.Email)
	}
	if !errors.Is(err, aegiserrors.ErrNotFound) {
		return fmt.Errorf("check for an existing owner: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return errors.New(aegiserrors.Message(err))
	}

	owner := &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		PassHash:  hash,
		Role:      models.RoleOwner,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateUser(ctx, owner); err != nil {
		return fmt.Errorf("create owner account: %w", err)
	}

	log.Info().Str("email", email).Msg("Owner account created")
	fmt.Printf("Owner account %s created. Log in at /api/login to mint invitations and analyst accounts.\n", email)
	return nil
}
