package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/headachemd/emr/internal/domain/patient"
)

// emrCmd groups operator tools that talk to configured providers without
// starting the HTTP server.
func emrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emr",
		Short: "EMR provider tools",
	}

	testCmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Obtain a backend token and read the provider's CapabilityStatement",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.svc.TestConnection(ctx, system)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	testCmd.Flags().String("system", "", "Provider id from the providers file")
	_ = testCmd.MarkFlagRequired("system")
	cmd.AddCommand(testCmd)

	mockCmd := &cobra.Command{
		Use:   "mock-patient",
		Short: "Print a synthetic patient, mapped to the internal model",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("n")
			raw, _ := cmd.Flags().GetBool("raw")
			user, _ := cmd.Flags().GetString("user")
			return withApp(cmd, func(_ context.Context, a *app) error {
				return printMockPatient(cmd.OutOrStdout(), a.mapper, n, raw, user)
			})
		},
	}
	mockCmd.Flags().Int("n", 0, "Variant index; different values vary the name and ids")
	mockCmd.Flags().Bool("raw", false, "Print the provider-shaped record instead of the mapped patient")
	mockCmd.Flags().String("user", "cli", "User id recorded on the mapped patient")
	cmd.AddCommand(mockCmd)

	urlCmd := &cobra.Command{
		Use:   "authorize-url",
		Short: "Print the provider authorize URL for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			user, _ := cmd.Flags().GetString("user")
			launch, _ := cmd.Flags().GetString("launch")
			return withApp(cmd, func(_ context.Context, a *app) error {
				u, err := a.svc.AuthorizeURL(user, system, launch)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}
	urlCmd.Flags().String("system", "", "Provider id from the providers file")
	urlCmd.Flags().String("user", "", "User id carried in the state parameter")
	urlCmd.Flags().String("launch", "", "EHR launch context, for providers with include_launch")
	_ = urlCmd.MarkFlagRequired("system")
	_ = urlCmd.MarkFlagRequired("user")
	cmd.AddCommand(urlCmd)

	return cmd
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// Operator tools never need the session database.
	a, err := newApp(ctx, cfg, newLogger(cfg.Env), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printMockPatient(w io.Writer, m *patient.Mapper, n int, raw bool, user string) error {
	data := patient.MockPatientN(n)
	if raw {
		return printJSON(w, data)
	}
	p, err := m.ToInternal(data, patient.ConvertOptions{UserID: user, System: "mock"})
	if err != nil {
		return err
	}
	return printJSON(w, p)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
