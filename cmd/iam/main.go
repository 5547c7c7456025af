package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "iam",
	Short: "IAM service CLI",
	Long:  "A CLI for managing organizations, users, policies, tokens and signing keys.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}

	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			desc, _ := cmd.Flags().GetString("description")
			client := newClient()
			result, err := client.post("/v1/organizations", map[string]any{
				"id":          args[0],
				"name":        name,
				"description": desc,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Display name (defaults to the id)")
	createCmd.Flags().String("description", "", "Description")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/organizations/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd)
	return cmd
}

// --- user ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.PersistentFlags().String("org", "", "Organization id")
	cmd.MarkPersistentFlagRequired("org") //nolint:errcheck

	createCmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			client := newClient()
			result, err := client.post("/v1/organizations/"+org+"/users", map[string]any{
				"username": args[0],
				"email":    email,
				"password": password,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Email address")
	createCmd.Flags().String("password", "", "Initial password")

	getCmd := &cobra.Command{
		Use:   "get <username>",
		Short: "Read a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			result, err := client.get("/v1/organizations/" + org + "/users/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			if err := client.delete("/v1/organizations/" + org + "/users/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! User deleted: " + args[0])
			return nil
		},
	}

	attachCmd := &cobra.Command{
		Use:   "attach <username> <policy-hrn> [policy-hrn ...]",
		Short: "Attach policies to a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			_, err := client.post("/v1/organizations/"+org+"/users/"+args[0]+"/attach_policies",
				map[string]any{"policies": args[1:]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Policies attached.")
			return nil
		},
	}

	detachCmd := &cobra.Command{
		Use:   "detach <username> <policy-hrn> [policy-hrn ...]",
		Short: "Detach policies from a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			_, err := client.post("/v1/organizations/"+org+"/users/"+args[0]+"/detach_policies",
				map[string]any{"policies": args[1:]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Policies detached.")
			return nil
		},
	}

	policiesCmd := &cobra.Command{
		Use:   "policies <username>",
		Short: "List the policies attached to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			result, err := client.get("/v1/organizations/" + org + "/users/" + args[0] + "/policies")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if policies, ok := result["policies"].([]any); ok {
				for _, p := range policies {
					if m, ok := p.(map[string]any); ok {
						fmt.Println(m["hrn"])
						continue
					}
					fmt.Println(p)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd, deleteCmd, attachCmd, detachCmd, policiesCmd)
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}
	cmd.PersistentFlags().String("org", "", "Organization id")
	cmd.MarkPersistentFlagRequired("org") //nolint:errcheck

	writeCmd := &cobra.Command{
		Use:   "write <name> <file>",
		Short: "Create a policy from a JSON statements file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			statements, err := readStatements(args[1])
			if err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			_, err = client.post("/v1/organizations/"+org+"/policies", map[string]any{
				"name":       args[0],
				"statements": statements,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Created policy: " + args[0])
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <name> <file>",
		Short: "Replace a policy's statements from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			statements, err := readStatements(args[1])
			if err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			result, err := client.put("/v1/organizations/"+org+"/policies/"+args[0],
				map[string]any{"statements": statements})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			result, err := client.get("/v1/organizations/" + org + "/policies/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			if err := client.delete("/v1/organizations/" + org + "/policies/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted policy: " + args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all policies in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			client := newClient()
			result, err := client.get("/v1/organizations/" + org + "/policies")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if policies, ok := result["policies"].([]any); ok {
				for _, p := range policies {
					if m, ok := p.(map[string]any); ok {
						fmt.Println(m["hrn"])
						continue
					}
					fmt.Println(p)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(writeCmd, updateCmd, readCmd, deleteCmd, listCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token operations"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a token for the authenticated principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			userHrn, _ := cmd.Flags().GetString("user-hrn")
			var body any
			if userHrn != "" {
				body = map[string]any{"user_hrn": userHrn}
			}
			client := newClient()
			result, err := client.post("/v1/organizations/"+org+"/token", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if tok, ok := result["token"].(string); ok {
				cfg.Token = tok
				if err := saveConfig(); err == nil {
					fmt.Fprintln(os.Stderr, "Token saved to config.")
				}
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("org", "", "Organization id")
	createCmd.MarkFlagRequired("org") //nolint:errcheck
	createCmd.Flags().String("user-hrn", "", "Issue for this user (root credential only)")

	validateCmd := &cobra.Command{
		Use:   "validate <resource> <action> [resource action ...]",
		Short: "Check resource/action pairs against the caller's entitlements",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 || len(args)%2 != 0 {
				return fmt.Errorf("arguments must be resource/action pairs")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("mode")
			requests := make([]map[string]any, 0, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				requests = append(requests, map[string]any{
					"resource": args[i],
					"action":   args[i+1],
				})
			}
			client := newClient()
			result, err := client.post("/v1/validate", map[string]any{
				"mode":     mode,
				"requests": requests,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	validateCmd.Flags().String("mode", "all", "Combine mode: all, any, none")

	cmd.AddCommand(createCmd, validateCmd)
	return cmd
}

// --- key ---

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Signing key operations"}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/keys/rotate", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/keys")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if keys, ok := result["keys"].([]any); ok {
				for _, k := range keys {
					if m, ok := k.(map[string]any); ok {
						fmt.Printf("%v\t%v\n", m["id"], m["status"])
						continue
					}
					fmt.Println(k)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(rotateCmd, listCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit log"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, _ := cmd.Flags().GetString("principal")
			path, _ := cmd.Flags().GetString("path")
			since, _ := cmd.Flags().GetString("since")
			limit, _ := cmd.Flags().GetInt("limit")

			params := []string{fmt.Sprintf("limit=%d", limit)}
			if principal != "" {
				params = append(params, "principal="+principal)
			}
			if path != "" {
				params = append(params, "path="+path)
			}
			if since != "" {
				params = append(params, "since="+since)
			}

			client := newClient()
			result, err := client.get("/v1/audit?" + strings.Join(params, "&"))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	queryCmd.Flags().String("principal", "", "Filter by principal HRN")
	queryCmd.Flags().String("path", "", "Filter by request path")
	queryCmd.Flags().String("since", "", "Only entries after this RFC 3339 timestamp")
	queryCmd.Flags().Int("limit", 100, "Maximum entries to return")

	cmd.AddCommand(queryCmd)
	return cmd
}

// helpers

func readStatements(file string) ([]map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var statements []map[string]any
	if err := json.Unmarshal(data, &statements); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", file, err)
	}
	return statements, nil
}
