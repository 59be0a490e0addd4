package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matflow/internal/app"
	"matflow/internal/config"
	"matflow/internal/db"
	"matflow/internal/engine"
	"matflow/internal/engine/auth"
	"matflow/internal/migrate"
	"matflow/internal/repo"
	"matflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mf",
	Short: "Matflow CLI",
	Long: `Matflow maps grappling knowledge as a flow graph and schedules practice.
- Workspace: your .matflow directory holding the database; tuning lives in matflow.yml.
- Graph: positions and techniques as nodes, the moves between them as edges.
- Versions: every structural change bumps the graph version; stale edits are rejected, not merged.
- Reviews: rate a technique 1-5 after drilling it and the scheduler spaces the next rep.
- Due queue: what to drill today, weakest first.
- Drills: random walks through the graph biased toward what needs work.
- Sparring log: win/loss outcomes per technique, folded into a heatmap.
- Event log: diary of changes, view with 'mf log tail'.`,
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
	viper.SetEnvPrefix("MATFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("graph", "", "graph id (defaults to the workspace's only graph)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("graph", rootCmd.PersistentFlags().Lookup("graph"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(edgeCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(dueCmd())
	rootCmd.AddCommand(drillCmd())
	rootCmd.AddCommand(sparCmd())
	rootCmd.AddCommand(heatmapCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default matflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func graphCmd() *cobra.Command {
	g := &cobra.Command{Use: "graph", Short: "Manage flow graphs"}
	g.AddCommand(graphCreateCmd())
	g.AddCommand(graphListCmd())
	g.AddCommand(graphShowCmd())
	g.AddCommand(graphUpdateCmd())
	g.AddCommand(graphDeleteCmd())
	g.AddCommand(graphValidateCmd())
	g.AddCommand(graphPublishCmd())
	g.AddCommand(graphSetStartCmd())
	return g
}

func graphCreateCmd() *cobra.Command {
	var title, visibility, belt, groupID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGraph(ctx, engine.GraphCreateOptions{
					Title:      title,
					Visibility: visibility,
					Belt:       belt,
					GroupID:    groupID,
				}, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "graph title")
	cmd.Flags().StringVar(&visibility, "visibility", "private", "private|group|public")
	cmd.Flags().StringVar(&belt, "belt", "", "belt level")
	cmd.Flags().StringVar(&groupID, "group", "", "group id for group visibility")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func graphListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGraphs(ctx, repo.GraphFilters{})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Visibility", "Belt", "Version"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.ID, g.Title, g.Visibility, g.Belt, g.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func graphShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show graph snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				s, err := e.GetSnapshot(ctx, graphID, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func graphUpdateCmd() *cobra.Command {
	var title, visibility, belt string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update graph metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				opts := engine.GraphUpdateOptions{Version: g.Version}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("visibility") {
					opts.Visibility = &visibility
				}
				if cmd.Flags().Changed("belt") {
					opts.Belt = &belt
				}
				updated, err := e.UpdateGraph(ctx, graphID, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "graph title")
	cmd.Flags().StringVar(&visibility, "visibility", "", "private|group|public")
	cmd.Flags().StringVar(&belt, "belt", "", "belt level")
	return cmd
}

func graphDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				if err := e.DeleteGraph(ctx, graphID, g.Version, principal()); err != nil {
					return err
				}
				fmt.Println("deleted", graphID)
				return nil
			})
		},
	}
	return cmd
}

func graphValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate graph structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				res, err := e.Validate(ctx, graphID, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Code", "Entity", "Message"})
				for _, iss := range res.Errors {
					tw.AppendRow(table.Row{"error", iss.Code, iss.EntityID, iss.Message})
				}
				for _, iss := range res.Warnings {
					tw.AppendRow(table.Row{"warning", iss.Code, iss.EntityID, iss.Message})
				}
				tw.Render()
				if !res.OK() {
					return fmt.Errorf("%d validation error(s)", len(res.Errors))
				}
				return nil
			})
		},
	}
	return cmd
}

func graphPublishCmd() *cobra.Command {
	var visibility string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Validate and publish graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				updated, res, err := e.Publish(ctx, graphID, g.Version, visibility, principal())
				if err != nil {
					var ve engine.ValidationFailedError
					if errors.As(err, &ve) {
						for _, iss := range ve.Result.Errors {
							fmt.Printf("error: %s %s: %s\n", iss.Code, iss.EntityID, iss.Message)
						}
					}
					return err
				}
				for _, iss := range res.Warnings {
					fmt.Printf("warning: %s: %s\n", iss.Code, iss.Message)
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "public", "target visibility")
	return cmd
}

func graphSetStartCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "set-start",
		Short: "Set the default drill start node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				updated, err := e.UpdateGraph(ctx, graphID, engine.GraphUpdateOptions{
					StartNodeID: &nodeID,
					Version:     g.Version,
				}, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node id (empty clears)")
	return cmd
}

func nodeCmd() *cobra.Command {
	n := &cobra.Command{Use: "node", Short: "Manage nodes"}
	n.AddCommand(nodeAddCmd())
	n.AddCommand(nodeListCmd())
	n.AddCommand(nodeUpdateCmd())
	n.AddCommand(nodeRemoveCmd())
	return n
}

func nodeAddCmd() *cobra.Command {
	var kind, label, belt string
	var tags []string
	var difficulty int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				n, _, err := e.CreateNode(ctx, graphID, engine.NodeCreateOptions{
					Kind:       kind,
					Label:      label,
					Tags:       tags,
					Belt:       belt,
					Difficulty: difficulty,
					Version:    g.Version,
				}, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "position", "position|technique|checkpoint|video-reference")
	cmd.Flags().StringVar(&label, "label", "", "node label")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVar(&belt, "belt", "", "belt level")
	cmd.Flags().IntVar(&difficulty, "difficulty", 0, "difficulty 1-5")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func nodeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				s, err := e.GetSnapshot(ctx, graphID, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Nodes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Label", "Tags", "Difficulty"})
				for _, n := range s.Nodes {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.Label, strings.Join(n.Tags, ","), n.Difficulty})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func nodeUpdateCmd() *cobra.Command {
	var id, label, belt string
	var tags []string
	var difficulty int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				opts := engine.NodeUpdateOptions{Version: g.Version}
				if cmd.Flags().Changed("label") {
					opts.Label = &label
				}
				if cmd.Flags().Changed("tag") {
					opts.Tags = &tags
				}
				if cmd.Flags().Changed("belt") {
					opts.Belt = &belt
				}
				if cmd.Flags().Changed("difficulty") {
					opts.Difficulty = &difficulty
				}
				n, _, err := e.UpdateNode(ctx, graphID, id, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id")
	cmd.Flags().StringVar(&label, "label", "", "node label")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVar(&belt, "belt", "", "belt level")
	cmd.Flags().IntVar(&difficulty, "difficulty", 0, "difficulty 1-5")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func nodeRemoveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete node and its edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				snap, err := e.DeleteNode(ctx, graphID, id, g.Version, principal())
				if err != nil {
					return err
				}
				fmt.Printf("deleted node %s; graph now has %d nodes, %d edges\n", id, len(snap.Nodes), len(snap.Edges))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func edgeCmd() *cobra.Command {
	ed := &cobra.Command{Use: "edge", Short: "Manage edges"}
	ed.AddCommand(edgeAddCmd())
	ed.AddCommand(edgeListCmd())
	ed.AddCommand(edgeUpdateCmd())
	ed.AddCommand(edgeRemoveCmd())
	return ed
}

func edgeAddCmd() *cobra.Command {
	var source, target, kind string
	var tags []string
	var points, risk int
	var weight float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				opts := engine.EdgeCreateOptions{
					SourceID:   source,
					TargetID:   target,
					Kind:       kind,
					Tags:       tags,
					PointValue: points,
					Risk:       risk,
					Version:    g.Version,
				}
				if cmd.Flags().Changed("weight") {
					opts.SRSWeight = &weight
				}
				edge, _, err := e.CreateEdge(ctx, graphID, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	}
	cmd.Flags().StringVar(&source, "from", "", "source node id")
	cmd.Flags().StringVar(&target, "to", "", "target node id")
	cmd.Flags().StringVar(&kind, "kind", "transition", "pass|sweep|submission|escape|transition")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().IntVar(&points, "points", 0, "point value")
	cmd.Flags().IntVar(&risk, "risk", 0, "risk 1-5")
	cmd.Flags().Float64Var(&weight, "weight", 0, "SRS weight override")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func edgeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				s, err := e.GetSnapshot(ctx, graphID, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Edges)
				}
				labels := map[string]string{}
				for _, n := range s.Nodes {
					labels[n.ID] = n.Label
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "From", "To", "Points", "Risk"})
				for _, ed := range s.Edges {
					tw.AppendRow(table.Row{ed.ID, ed.Kind, labels[ed.SourceID], labels[ed.TargetID], ed.PointValue, ed.Risk})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func edgeUpdateCmd() *cobra.Command {
	var id string
	var tags []string
	var points, risk int
	var weight float64
	var clearWeight bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				opts := engine.EdgeUpdateOptions{Version: g.Version}
				if cmd.Flags().Changed("tag") {
					opts.Tags = &tags
				}
				if cmd.Flags().Changed("points") {
					opts.PointValue = &points
				}
				if cmd.Flags().Changed("risk") {
					opts.Risk = &risk
				}
				if clearWeight {
					var none *float64
					opts.SRSWeight = &none
				} else if cmd.Flags().Changed("weight") {
					w := &weight
					opts.SRSWeight = &w
				}
				edge, _, err := e.UpdateEdge(ctx, graphID, id, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(edge)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "edge id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().IntVar(&points, "points", 0, "point value")
	cmd.Flags().IntVar(&risk, "risk", 0, "risk 1-5")
	cmd.Flags().Float64Var(&weight, "weight", 0, "SRS weight override")
	cmd.Flags().BoolVar(&clearWeight, "clear-weight", false, "drop the SRS weight override")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func edgeRemoveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				g, err := e.Repo.GetGraph(ctx, graphID)
				if err != nil {
					return err
				}
				if _, err := e.DeleteEdge(ctx, graphID, id, g.Version, principal()); err != nil {
					return err
				}
				fmt.Println("deleted edge", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "edge id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Spaced-repetition reviews"}
	r.AddCommand(reviewRecordCmd())
	r.AddCommand(reviewHistoryCmd())
	return r
}

func reviewRecordCmd() *cobra.Command {
	var unitType, unitID, at string
	var quality int
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a review outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				opts := engine.ReviewOptions{UnitType: unitType, UnitID: unitID, Quality: quality}
				if at != "" {
					parsed, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at: %w", err)
					}
					opts.ReviewedAt = parsed
				}
				card, err := e.RecordReview(ctx, graphID, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().StringVar(&unitType, "unit-type", "edge", "node|edge")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality 1-5")
	cmd.Flags().StringVar(&at, "at", "", "review timestamp (RFC3339, defaults to now)")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("quality")
	return cmd
}

func reviewHistoryCmd() *cobra.Command {
	var unitType, unitID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Review history for a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				items, err := e.ReviewHistory(ctx, graphID, unitType, unitID, limit, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&unitType, "unit-type", "edge", "node|edge")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func dueCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Cards due for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				var at time.Time
				if asOf != "" {
					parsed, err := time.Parse(time.RFC3339, asOf)
					if err != nil {
						return fmt.Errorf("invalid --as-of: %w", err)
					}
					at = parsed
				}
				cards, err := e.DueQueue(ctx, graphID, at, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "State", "Interval", "Ease", "Due"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.Key(), c.State, c.IntervalDays, fmt.Sprintf("%.2f", c.EaseFactor), c.NextDue})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "due cutoff (RFC3339, defaults to now)")
	return cmd
}

func drillCmd() *cobra.Command {
	var start string
	var maxLen int
	var seed int64
	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Generate a drill sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				item, err := e.Drill(ctx, graphID, engine.DrillOptions{
					StartNodeID: start,
					MaxLength:   maxLen,
					Seed:        seed,
				}, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(item)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "From", "Move", "To"})
				for i, step := range item.Steps {
					tw.AppendRow(table.Row{i + 1, step.SourceLabel, step.EdgeKind, step.TargetLabel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start node id (defaults to the graph's start node)")
	cmd.Flags().IntVar(&maxLen, "max-length", 0, "max steps")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = clock)")
	return cmd
}

func sparCmd() *cobra.Command {
	var unitType, unitID, at, source string
	var success bool
	cmd := &cobra.Command{
		Use:   "spar",
		Short: "Record a sparring outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				opts := engine.SparringOptions{UnitType: unitType, UnitID: unitID, Success: success, Source: source}
				if at != "" {
					parsed, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at: %w", err)
					}
					opts.OccurredAt = parsed
				}
				ev, err := e.RecordSparring(ctx, graphID, opts, principal())
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&unitType, "unit-type", "edge", "node|edge")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().BoolVar(&success, "success", false, "outcome succeeded")
	cmd.Flags().StringVar(&at, "at", "", "occurrence timestamp (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func heatmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Per-unit sparring success rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				res, err := e.Heatmap(ctx, graphID, principal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Label", "Attempts", "Score"})
				for _, c := range res.Cells {
					score := "no data"
					if c.Score != nil {
						score = fmt.Sprintf("%.0f%%", *c.Score*100)
					}
					tw.AppendRow(table.Row{c.UnitType + ":" + c.UnitID, c.Label, c.Attempts, score})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: graph edits, reviews, sparring outcomes.",
	}
	var limit int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd.Context(), func(ctx context.Context, e engine.Engine, graphID string) error {
				items, err := e.Repo.LatestEvents(ctx, limit, graphID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "max events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	lg.AddCommand(tail)
	return lg
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	var id string
	rm := &cobra.Command{
		Use:   "rm",
		Short: "Delete API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	rm.Flags().StringVar(&id, "id", "", "key id")
	_ = rm.MarkFlagRequired("id")
	ak.AddCommand(create)
	ak.AddCommand(list)
	ak.AddCommand(rm)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			secret := os.Getenv("MATFLOW_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("MATFLOW_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             secret,
					AllowLegacyUserHeader: cfg.Server.AllowLegacyUserHeader,
				},
				SparringSecret: cfg.Server.SparringWebhookSecret,
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
			fmt.Printf("Serving Matflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

func principal() auth.Principal {
	return auth.Principal{UserID: viper.GetString("actor-id")}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.LoadConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withGraph(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		graphID, err := app.ResolveGraph(ctx, viper.GetString("graph"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, graphID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
