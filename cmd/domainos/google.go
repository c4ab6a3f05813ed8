package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/oauth"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/runtime"
)

var (
	googleClientID     string
	googleClientSecret string
	googlePort         int
)

var googleCmd = &cobra.Command{
	Use:   "google",
	Short: "Manage the Google account connection",
}

var googleConnectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a Google account via the browser",
	Long: `Runs the OAuth consent flow: prints an authorization URL, waits for
the browser redirect on a loopback port, and stores the resulting
tokens encrypted in the data directory. The flow times out after two
minutes.

Client credentials come from --client-id/--client-secret or the
GOOGLE_OAUTH_CLIENT_ID and GOOGLE_OAUTH_CLIENT_SECRET environment
variables.`,
	RunE: runGoogleConnect,
}

var googleDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove the stored Google tokens",
	RunE:  runGoogleDisconnect,
}

var googleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Google connection state and granted scopes",
	RunE:  runGoogleStatus,
}

func init() {
	googleConnectCmd.Flags().StringVar(&googleClientID, "client-id", "", "OAuth client id")
	googleConnectCmd.Flags().StringVar(&googleClientSecret, "client-secret", "", "OAuth client secret")
	googleConnectCmd.Flags().IntVar(&googlePort, "port", 0, "Callback port (default: ephemeral)")

	googleCmd.AddCommand(googleConnectCmd)
	googleCmd.AddCommand(googleDisconnectCmd)
	googleCmd.AddCommand(googleStatusCmd)
}

func runGoogleConnect(cmd *cobra.Command, args []string) error {
	clientID := googleClientID
	if clientID == "" {
		clientID = os.Getenv("GOOGLE_OAUTH_CLIENT_ID")
	}
	clientSecret := googleClientSecret
	if clientSecret == "" {
		clientSecret = os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if clientID == "" {
		return fmt.Errorf("no OAuth client id; pass --client-id or set GOOGLE_OAUTH_CLIENT_ID")
	}

	rt, err := openRuntime(runtime.Options{
		GoogleOAuth: oauth.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Port:         googlePort,
		},
	})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	err = rt.Google().Connect(context.Background(), func(authURL string) {
		fmt.Println("Open this URL in your browser to authorize DomainOS:")
		fmt.Println()
		fmt.Println("  " + authURL)
		fmt.Println()
		fmt.Println("Waiting for the redirect...")
	})
	if err != nil {
		return err
	}
	fmt.Println("Google account connected.")
	return nil
}

func runGoogleDisconnect(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	if err := rt.Google().Disconnect(); err != nil {
		return err
	}
	fmt.Println("Google account disconnected.")
	return nil
}

func runGoogleStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Stop(context.Background())

	if !rt.Google().Connected() {
		fmt.Println("not connected")
		return nil
	}
	fmt.Println("connected")
	scopes := []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.compose",
		"https://www.googleapis.com/auth/tasks",
	}
	for _, scope := range scopes {
		mark := "missing"
		if rt.Google().HasScope(scope) {
			mark = "granted"
		}
		fmt.Printf("  %-52s %s\n", scope, mark)
	}
	return nil
}
