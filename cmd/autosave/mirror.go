package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"autosave/pkg/auth"
	"autosave/pkg/config"
	"autosave/pkg/logger"
	"autosave/pkg/mirror"
	"autosave/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// mirrorCmd represents the mirror command
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Manage S3 mirror credentials",
	Long: `Manage the access keys used to copy finished audio to S3.

Keys are stored under a profile name using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (AUTOSAVE_MIRROR_ACCESS_KEY_ID and
    AUTOSAVE_MIRROR_SECRET_ACCESS_KEY, read only)

Set mirror.profile in the config to use a stored profile. Without it the
default AWS credential chain is used.`,
}

var mirrorLoginCmd = &cobra.Command{
	Use:   "login [profile]",
	Short: "Store mirror access keys",
	Example: `  autosave mirror login
  autosave mirror login staging`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMirrorLogin,
}

var mirrorLogoutCmd = &cobra.Command{
	Use:   "logout [profile]",
	Short: "Remove stored mirror access keys",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMirrorLogout,
}

var mirrorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored mirror profiles",
	Args:  cobra.NoArgs,
	RunE:  runMirrorList,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
	mirrorCmd.AddCommand(mirrorLoginCmd)
	mirrorCmd.AddCommand(mirrorLogoutCmd)
	mirrorCmd.AddCommand(mirrorListCmd)
}

func profileArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return auth.DefaultProfile
}

func runMirrorLogin(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	profile := profileArg(args)
	reader := bufio.NewReader(os.Stdin)

	if existing, _ := manager.Retrieve(profile); existing != nil {
		fmt.Printf("Profile '%s' already exists. Replace it? (y/N): ", profile)
		input, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			return nil
		}
	}

	fmt.Print("Access key ID: ")
	keyID, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read access key id: %w", err)
	}

	fmt.Print("Secret access key: ")
	secret, err := readPassword(reader)
	if err != nil {
		return fmt.Errorf("failed to read secret access key: %w", err)
	}

	fmt.Print("\nSession token (press Enter to skip): ")
	token, err := readPassword(reader)
	if err != nil {
		return fmt.Errorf("failed to read session token: %w", err)
	}
	fmt.Println()

	creds := &auth.MirrorCredentials{
		Profile:         profile,
		AccessKeyID:     strings.TrimSpace(keyID),
		SecretAccessKey: secret,
		SessionToken:    token,
	}
	if err := manager.Store(creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	ui.PrintSuccess("Mirror credentials saved: " + profile)
	ui.PrintInfo("Access key", auth.Sanitize(creds).AccessKeyID)
	if profile != auth.DefaultProfile {
		ui.PrintInfo("Use with", "AUTOSAVE_MIRROR_PROFILE="+profile)
	}
	return nil
}

func runMirrorLogout(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	profile := profileArg(args)
	if err := manager.Delete(profile); err != nil {
		return fmt.Errorf("failed to remove profile %s: %w", profile, err)
	}
	ui.PrintSuccess("Mirror credentials removed: " + profile)
	return nil
}

func runMirrorList(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	profiles, err := manager.List()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		ui.PrintWarning("No stored mirror profiles")
		return nil
	}

	for _, p := range profiles {
		s := auth.Sanitize(p)
		ui.PrintInfo(s.Profile, fmt.Sprintf("%s (updated %s)", s.AccessKeyID, humanize.Time(s.LastModified)))
	}
	return nil
}

// readPassword reads a line without echoing it when stdin is a terminal
func readPassword(reader *bufio.Reader) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// mirrorUploader builds an uploader from the configured credential
// profile. It returns nil when no profile is set so the default AWS chain
// is used.
func mirrorUploader(ctx context.Context, cfg *config.Config) (mirror.Uploader, error) {
	if !cfg.Mirror.Enabled || cfg.Mirror.Profile == "" {
		return nil, nil
	}

	manager, err := auth.NewManager()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential manager: %w", err)
	}
	creds, err := manager.Retrieve(cfg.Mirror.Profile)
	if err != nil {
		return nil, err
	}

	u, err := mirror.NewS3Uploader(ctx, cfg.Mirror, logger.GetLogger(), &mirror.StaticKeys{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
