package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func getCurrentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func getHostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "unknown"
}

func generateSessionID() string {
	return uuid.New().String()
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger != nil {
		auditLogger.Log("command_start", true, map[string]interface{}{
			"command":    cmd.CommandPath(),
			"args":       sanitizeArgs(args),
			"flags":      sanitizeFlags(cmd),
			"user_id":    cliContext.UserID,
			"session_id": cliContext.SessionID,
			"source":     cliContext.Source,
		})
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if isSensitiveFlag(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token", "access-key", "secret-key"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
