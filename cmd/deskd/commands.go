package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/deskd/internal/config"
	"github.com/kalambet/deskd/internal/storage"
)

// --- endpoints ---

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage customer and backend endpoints",
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/endpoints"
		if kind != "" {
			path += "?kind=" + strings.ToUpper(kind)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var endpoints []storage.Endpoint
		if err := decodeJSON(resp, &endpoints); err != nil {
			return err
		}

		if len(endpoints) == 0 {
			fmt.Println("No endpoints configured.")
			return nil
		}

		for _, ep := range endpoints {
			state := "running"
			if !ep.IsRunning {
				state = "stopped"
			}
			fmt.Printf("%s  %-8s  %-8s  %-24s  %s\n",
				colorize(colorCyan, ep.ID[:8]),
				ep.Kind,
				state,
				ep.Name,
				ep.ModelRef,
			)
		}
		return nil
	},
}

var endpointsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an endpoint",
	Long: `Create an endpoint.

Examples:
  deskd endpoints create "Support Widget" --kind customer --model ollama/llama3.2
  deskd endpoints create "Operator Desk" --kind backend --model openai/gpt-4o`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		model, _ := cmd.Flags().GetString("model")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/endpoints", map[string]any{
			"name":      args[0],
			"kind":      strings.ToUpper(kind),
			"model_ref": model,
		})
		if err != nil {
			return err
		}

		var ep storage.Endpoint
		if err := decodeJSON(resp, &ep); err != nil {
			return err
		}

		printSuccess("Created %s endpoint %s at %s", ep.Kind, ep.ID, ep.Address)
		return nil
	},
}

var endpointsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/endpoints/" + args[0])
		if err != nil {
			return err
		}

		var ep any
		if err := decodeJSON(resp, &ep); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ep)
	},
}

var endpointsSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Update an endpoint's name, model, or running state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			body["name"] = name
		}
		if cmd.Flags().Changed("model") {
			model, _ := cmd.Flags().GetString("model")
			body["model_ref"] = model
		}
		if cmd.Flags().Changed("running") {
			running, _ := cmd.Flags().GetBool("running")
			body["is_running"] = running
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update; use --name, --model, or --running")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch("/v1/endpoints/"+args[0], body)
		if err != nil {
			return err
		}

		var ep storage.Endpoint
		if err := decodeJSON(resp, &ep); err != nil {
			return err
		}

		printSuccess("Updated endpoint %s", ep.ID)
		return nil
	},
}

var endpointsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an endpoint (its queries are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete("/v1/endpoints/" + args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted endpoint %s", args[0])
		return nil
	},
}

func init() {
	endpointsListCmd.Flags().String("kind", "", "filter by kind (customer or backend)")
	endpointsCreateCmd.Flags().String("kind", "customer", "endpoint kind (customer or backend)")
	endpointsCreateCmd.Flags().String("model", "ollama/llama3.2", "model reference (provider/model)")
	endpointsSetCmd.Flags().String("name", "", "new display name")
	endpointsSetCmd.Flags().String("model", "", "new model reference")
	endpointsSetCmd.Flags().Bool("running", true, "running state")

	endpointsCmd.AddCommand(endpointsListCmd)
	endpointsCmd.AddCommand(endpointsCreateCmd)
	endpointsCmd.AddCommand(endpointsShowCmd)
	endpointsCmd.AddCommand(endpointsSetCmd)
	endpointsCmd.AddCommand(endpointsDeleteCmd)
}

// --- queries ---

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Inspect stored queries",
}

var queriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queries by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/queries?status=" + strings.ToUpper(status))
		if err != nil {
			return err
		}

		var queries []storage.Query
		if err := decodeJSON(resp, &queries); err != nil {
			return err
		}

		if len(queries) == 0 {
			fmt.Println("No queries found.")
			return nil
		}

		for _, q := range queries {
			question := q.Question
			if len(question) > 60 {
				question = question[:60] + "..."
			}
			fmt.Printf("%s  %-18s  %-12s  %s\n",
				colorize(colorCyan, q.ID[:8]),
				q.Status,
				q.CustomerName,
				question,
			)
		}
		return nil
	},
}

var queriesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/queries/" + args[0])
		if err != nil {
			return err
		}

		var q any
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	},
}

func init() {
	queriesListCmd.Flags().String("status", "PENDING_HUMAN", "lifecycle status filter")
	queriesCmd.AddCommand(queriesListCmd)
	queriesCmd.AddCommand(queriesShowCmd)
}

// --- ask / claim / answer ---

var askCmd = &cobra.Command{
	Use:   "ask <endpoint-id> <message>",
	Short: "Send a customer message to an endpoint",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		message := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/customer/"+args[0]+"/queries", map[string]any{
			"message":       message,
			"customer_name": name,
		})
		if err != nil {
			return err
		}

		var result struct {
			QueryID  string `json:"query_id"`
			Response string `json:"response"`
			Status   string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Response)
		if result.Status == string(storage.StatusPendingHuman) {
			printStep("Escalated to a human operator (query %s)", result.QueryID)
		}
		return nil
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <backend-id> <query-id>",
	Short: "Claim a pending query as an operator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(fmt.Sprintf("/v1/backend/%s/queries/%s/claim", args[0], args[1]), nil)
		if err != nil {
			return err
		}

		var q storage.Query
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		printSuccess("Claimed query %s", q.ID)
		fmt.Printf("\n%s %s\n", colorize(colorBold, "Question:"), q.Question)
		if q.InternalNote != "" {
			fmt.Printf("%s %s\n", colorize(colorBold, "Note:"), q.InternalNote)
		}
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <backend-id> <query-id> <response>",
	Short: "Answer a pending query as an operator",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(
			fmt.Sprintf("/v1/backend/%s/queries/%s/response", args[0], args[1]),
			map[string]any{"response": strings.Join(args[2:], " ")},
		)
		if err != nil {
			return err
		}

		var q storage.Query
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		printSuccess("Query %s completed", q.ID)
		fmt.Printf("\n%s %s\n", colorize(colorBold, "Customer response:"), q.CustomerResponse)
		return nil
	},
}

func init() {
	askCmd.Flags().String("name", "", "customer name (default Anonymous)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
