package notify

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/notification"
)

// Command returns a cobra command that sends a test notification to every
// configured notification URL.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		title   string
		message string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a test notification",
		Long: `Send one message through the configured notification URLs to check
that they are reachable.

Examples:
  stallwatch notify
  stallwatch notify --title="Lot A" --message="Camera moved"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := notification.New(notification.ConfigFromSettings(settings))
			if err != nil {
				return err
			}
			if title == "" {
				title = settings.Main.Name + ": test notification"
			}
			if err := n.Send(cmd.Context(), title, message); err != nil {
				return fmt.Errorf("notification failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "notification sent")
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Message title (default: node name)")
	cmd.Flags().StringVar(&message, "message", "stallwatch notifications are working.", "Message body")

	return cmd
}
