package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	"github.com/klyro-app/klyro-sync/internal/models"
	"github.com/klyro-app/klyro-sync/internal/profile"
	"github.com/klyro-app/klyro-sync/internal/storage"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Sync the user profile with the profile API",
	}

	profileCmd.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Fetch the server profile and store it locally",
		Args:  cobra.NoArgs,
		RunE:  runProfileFetch,
	})

	profileCmd.AddCommand(&cobra.Command{
		Use:   "save <file|->",
		Short: "Save a profile to the server and store it locally",
		Args:  cobra.ExactArgs(1),
		RunE:  runProfileSave,
	})

	profileCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Register the launch with the profile API",
		Args:  cobra.NoArgs,
		RunE:  runProfileInit,
	})

	return profileCmd
}

func runProfileFetch(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.profile.FetchProfile(cmd.Context())
	if err != nil {
		var se *profile.ServiceError
		if errors.As(err, &se) && se.AuthRequired() {
			return fmt.Errorf("%w: set TELEGRAM_INIT_DATA", err)
		}

		// Fall back to the locally stored profile.
		local, ok, lerr := storage.GetJSONSync[models.Profile](a.store, storage.KeyUserData)
		if lerr != nil || !ok {
			return err
		}

		a.logger.Warn("profile API unavailable, showing local profile")

		return printJSON(cmd.OutOrStdout(), local)
	}

	if p == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no profile on server")
		return nil
	}

	a.waitReady(cmd.Context())

	if err := storage.PutJSON(cmd.Context(), a.store, storage.KeyUserData, *p); err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), p)
}

func runProfileSave(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)

	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}

	if err != nil {
		return fmt.Errorf("reading profile: %w", err)
	}

	var p models.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	if err := p.Validate(); err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	a.waitReady(cmd.Context())

	// The local copy is written first so the profile survives an API
	// outage.
	if err := storage.PutJSON(cmd.Context(), a.store, storage.KeyUserData, p); err != nil {
		return err
	}

	saved, err := a.profile.SaveProfile(cmd.Context(), p)
	if err != nil {
		if errors.Is(err, klyroerrors.ErrServiceUnavailable) {
			a.logger.Warn("profile kept locally, server save failed")
		}

		return err
	}

	return printJSON(cmd.OutOrStdout(), saved)
}

func runProfileInit(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.profile.Init(cmd.Context())
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), res)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
