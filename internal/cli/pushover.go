package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/gonogo/internal/pushover"
)

var pushoverCmd = &cobra.Command{
	Use:   "pushover",
	Short: "Inspect and test Pushover notifications",
	Long: `gonogo sends a Pushover notification when a fix loop ends if both
[pushover] user_key and app_token are configured (or GONOGO_PUSHOVER_USER_KEY
and GONOGO_PUSHOVER_APP_TOKEN are set).`,
}

var pushoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Pushover configuration status",
	RunE:  runPushoverStatus,
}

var pushoverTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test Pushover notification",
	RunE:  runPushoverTest,
}

func init() {
	pushoverCmd.AddCommand(pushoverStatusCmd, pushoverTestCmd)
	rootCmd.AddCommand(pushoverCmd)
}

func runPushoverStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printHeader(out, "Pushover")
	if cfg.Pushover.Configured() {
		printField(out, "User Key", maskSecret(cfg.Pushover.UserKey))
		printField(out, "App Token", maskSecret(cfg.Pushover.AppToken))
		printField(out, "Status", colorGreen+"configured"+colorReset)
		return nil
	}
	printField(out, "Status", colorYellow+"not configured"+colorReset)
	return nil
}

func runPushoverTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()
	err = pushover.New(cfg.Pushover, "").Send(ctx, pushover.Message{
		Title:    "gonogo test notification",
		Body:     "Fix loop notifications are working.",
		Priority: pushover.PriorityLow,
	})
	if err != nil {
		return fmt.Errorf("sending test notification: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s✓%s Test notification sent.\n", colorGreen, colorReset)
	return nil
}

func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
