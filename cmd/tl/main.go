package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/config"
	"traceline/internal/contract"
	"traceline/internal/db"
	"traceline/internal/engines/clarify"
	"traceline/internal/engines/decompose"
	"traceline/internal/engines/metareason"
	"traceline/internal/engines/reflection"
	"traceline/internal/migrate"
	"traceline/internal/runtime"
	"traceline/internal/server"
	"traceline/internal/store"
	"traceline/internal/telemetry"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline is a substrate for stateless analytical agents.
Core concepts:
- Agents: pure analytical engines (decomposer, clarifier, meta-reasoner, reflector)
  that take an input and return a complete analysis with no hidden state.
- Decision events: every successful invocation emits one immutable event with a
  deterministic hash of its inputs, a confidence, and the constraints applied.
- Ledger: the local SQLite store of decision events; query it with 'tl ledger'.
- Traces: callers may thread span context through an invocation to get a
  hierarchical execution trace back.
Agents analyze and recommend; they never assign work, allocate resources, or
schedule anything.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("format", "pretty", "output format: json or pretty")
	rootCmd.PersistentFlags().Bool("telemetry", false, "emit OpenTelemetry spans per invocation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	_ = viper.BindPFlag("telemetry", rootCmd.PersistentFlags().Lookup("telemetry"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentCmd("decompose", "Decompose an objective into sub-objectives and a pipeline",
		func(cfg *config.Config) runtime.Agent { return decompose.New(cfg) }))
	rootCmd.AddCommand(agentCmd("clarify", "Detect ambiguity and missing constraints in an objective",
		func(cfg *config.Config) runtime.Agent { return clarify.New(cfg) }))
	rootCmd.AddCommand(metareasonCmd())
	rootCmd.AddCommand(reflectCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", cfgPath)
			}
			fmt.Printf("workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

// agentCmd wires one analytical engine behind the shared flag surface.
func agentCmd(use, short string, build func(*config.Config) runtime.Agent) *cobra.Command {
	var objective, input, executionRef string
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRawInput(objective, input, fromStdin)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return invokeAgent(cmd.Context(), build(cfg), raw, executionRef)
		},
	}
	addInvokeFlags(cmd, &objective, &input, &executionRef, &fromStdin)
	return cmd
}

func metareasonCmd() *cobra.Command {
	var objective, input, executionRef string
	var fromStdin, fromLedger bool
	var agentFilter, typeFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "metareason",
		Short: "Examine a batch of reasoning traces for contradictions and bias",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			var raw map[string]any
			if fromLedger {
				events, err := ledgerEvents(cmd.Context(), agentFilter, typeFilter, limit)
				if err != nil {
					return err
				}
				traces := make([]metareason.ReasoningTrace, 0, len(events))
				for _, ev := range events {
					traces = append(traces, metareason.TraceFromEvent(ev))
				}
				raw, err = wrapInput("traces", traces)
				if err != nil {
					return err
				}
			} else {
				raw, err = readRawInput(objective, input, fromStdin)
				if err != nil {
					return err
				}
			}
			return invokeAgent(cmd.Context(), metareason.New(cfg), raw, executionRef)
		},
	}
	addInvokeFlags(cmd, &objective, &input, &executionRef, &fromStdin)
	cmd.Flags().BoolVar(&fromLedger, "from-ledger", false, "build traces from stored decision events")
	cmd.Flags().StringVar(&agentFilter, "agent", "", "ledger filter: agent id")
	cmd.Flags().StringVar(&typeFilter, "decision-type", "", "ledger filter: decision type")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultSearchLimit, "ledger filter: max events")
	return cmd
}

func reflectCmd() *cobra.Command {
	var objective, input, executionRef string
	var fromStdin, fromLedger bool
	var agentFilter, typeFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Score past decision events and surface learning signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			var raw map[string]any
			if fromLedger {
				events, err := ledgerEvents(cmd.Context(), agentFilter, typeFilter, limit)
				if err != nil {
					return err
				}
				raw, err = wrapInput("events", events)
				if err != nil {
					return err
				}
			} else {
				raw, err = readRawInput(objective, input, fromStdin)
				if err != nil {
					return err
				}
			}
			return invokeAgent(cmd.Context(), reflection.New(cfg), raw, executionRef)
		},
	}
	addInvokeFlags(cmd, &objective, &input, &executionRef, &fromStdin)
	cmd.Flags().BoolVar(&fromLedger, "from-ledger", false, "build the batch from stored decision events")
	cmd.Flags().StringVar(&agentFilter, "agent", "", "ledger filter: agent id")
	cmd.Flags().StringVar(&typeFilter, "decision-type", "", "ledger filter: decision type")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultSearchLimit, "ledger filter: max events")
	return cmd
}

func addInvokeFlags(cmd *cobra.Command, objective, input, executionRef *string, fromStdin *bool) {
	cmd.Flags().StringVarP(objective, "objective", "o", "", "objective text")
	cmd.Flags().StringVarP(input, "input", "i", "", "raw JSON input")
	cmd.Flags().StringVarP(executionRef, "execution-ref", "e", "", "execution ref (UUID, generated if empty)")
	cmd.Flags().BoolVar(fromStdin, "stdin", false, "read JSON input from stdin")
}

// readRawInput resolves the input payload: --input wins, then --stdin,
// then --objective wrapped as {"objective": ...}.
func readRawInput(objective, input string, fromStdin bool) (map[string]any, error) {
	var data []byte
	switch {
	case input != "":
		data = []byte(input)
	case fromStdin:
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case objective != "":
		return map[string]any{"objective": objective}, nil
	default:
		return nil, fmt.Errorf("one of --objective, --input, or --stdin is required")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return raw, nil
}

func wrapInput(key string, v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var items any
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, err
	}
	return map[string]any{key: items}, nil
}

func invokeAgent(ctx context.Context, agent runtime.Agent, raw map[string]any, executionRef string) error {
	return withLedger(ctx, func(ctx context.Context, ledger store.Ledger) error {
		rt := runtime.New(ledger, emitter())
		res := rt.Invoke(ctx, agent, raw, executionRef)
		if err := renderResult(agent, res); err != nil {
			return err
		}
		if res.Status != runtime.StatusSuccess {
			return fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)
		}
		return nil
	})
}

func emitter() telemetry.Emitter {
	if viper.GetBool("telemetry") {
		return telemetry.NewOTel()
	}
	return telemetry.Nop{}
}

func renderResult(agent runtime.Agent, res runtime.Result) error {
	if viper.GetString("format") == "json" {
		return printJSON(res)
	}
	d := agent.Descriptor()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"agent", d.ID})
	tw.AppendRow(table.Row{"decision_type", d.DecisionType})
	tw.AppendRow(table.Row{"status", res.Status})
	tw.AppendRow(table.Row{"execution_ref", res.ExecutionRef})
	if res.Event != nil {
		tw.AppendRow(table.Row{"confidence", fmt.Sprintf("%.2f", res.Event.Confidence)})
		tw.AppendRow(table.Row{"inputs_hash", res.Event.InputsHash})
		tw.AppendRow(table.Row{"constraints", strings.Join(res.Event.ConstraintsApplied, ", ")})
	}
	if res.PersistenceStatus != nil {
		tw.AppendRow(table.Row{"persistence", res.PersistenceStatus.Status})
	}
	if res.ErrorCode != "" {
		tw.AppendRow(table.Row{"error_code", res.ErrorCode})
		tw.AppendRow(table.Row{"error_message", res.ErrorMessage})
	}
	tw.Render()
	if res.Event != nil {
		b, err := json.MarshalIndent(res.Event.Outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the decision event ledger",
	}
	cmd.AddCommand(ledgerTailCmd())
	cmd.AddCommand(ledgerGetCmd())
	cmd.AddCommand(ledgerSearchCmd())
	return cmd
}

func ledgerTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent decision events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger store.Ledger) error {
				events, err := ledger.Search(ctx, store.Query{Limit: n})
				if err != nil {
					return err
				}
				return renderEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func ledgerGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <execution_ref>",
		Short: "Fetch the decision event for an execution ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger store.Ledger) error {
				ev, err := ledger.Retrieve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	return cmd
}

func ledgerSearchCmd() *cobra.Command {
	var q store.Query
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search decision events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger store.Ledger) error {
				events, err := ledger.Search(ctx, q)
				if err != nil {
					return err
				}
				return renderEvents(events)
			})
		},
	}
	cmd.Flags().StringVar(&q.AgentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&q.DecisionType, "decision-type", "", "decision type filter")
	cmd.Flags().StringVar(&q.From, "from", "", "inclusive lower timestamp bound (RFC3339)")
	cmd.Flags().StringVar(&q.To, "to", "", "inclusive upper timestamp bound (RFC3339)")
	cmd.Flags().IntVar(&q.Limit, "limit", store.DefaultSearchLimit, "max events")
	return cmd
}

func renderEvents(events []contract.DecisionEvent) error {
	if viper.GetString("format") == "json" {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Execution Ref", "Agent", "Decision Type", "Confidence", "Timestamp"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.ExecutionRef, ev.AgentID, ev.DecisionType, fmt.Sprintf("%.2f", ev.Confidence), ev.Timestamp})
	}
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			ledger := store.NewSQLite(conn)
			rt := runtime.New(ledger, emitter())
			secret := os.Getenv("TRACELINE_JWT_SECRET")
			if secret == "" {
				fmt.Println("warning: TRACELINE_JWT_SECRET not set; serving without auth")
			}
			handler, err := server.New(server.Config{
				Runtime: rt,
				Agents: map[string]runtime.Agent{
					"decomposer":    decompose.New(cfg),
					"clarifier":     clarify.New(cfg),
					"meta-reasoner": metareason.New(cfg),
					"reflector":     reflection.New(cfg),
				},
				Ledger:   ledger,
				BasePath: basePath,
				Version:  version,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and schema info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("tl %s\n", version)
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return nil
			}
			defer conn.Close()
			if v, err := migrate.Version(conn); err == nil {
				fmt.Printf("schema version %d\n", v)
			}
			return nil
		},
	}
}

// --- helpers ---

func withLedger(ctx context.Context, fn func(context.Context, store.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.NewSQLite(conn))
}

func ledgerEvents(ctx context.Context, agentID, decisionType string, limit int) ([]contract.DecisionEvent, error) {
	var events []contract.DecisionEvent
	err := withLedger(ctx, func(ctx context.Context, ledger store.Ledger) error {
		found, err := ledger.Search(ctx, store.Query{
			AgentID:      agentID,
			DecisionType: decisionType,
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		events = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no matching events in the ledger")
	}
	return events, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
