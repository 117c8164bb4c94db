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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/contract"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/server"
	"missionline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline coordinates branded content production between brands, an
operator agency and creators.

- Workspace: the .missionline directory holding the database; config lives in
  missionline.yml and is mirrored into the DB.
- Mission: one production brief moving through a fixed step pipeline (short or
  expanded), with each completed step recorded once in an append-only ledger.
- Steps: role-gated; the operator can drive any step on behalf of both sides.
  Sending the final video to the brand also opens the brand review and
  generates the invoice.
- Contracts: a direct brand/creator agreement per application, or an operator
  mandate per mission; both need the counterparty's signature to activate.
- Event log: every change, view with 'ml log tail'.`,
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
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "operator", "acting role (brand, operator, creator)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(creatorsCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(videoCmd())
	rootCmd.AddCommand(clarifyCmd())
	rootCmd.AddCommand(revisionCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionCancelCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission from a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&opts.BrandID, "brand", "", "brand id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "mission title")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "pipeline (short, expanded)")
	cmd.Flags().StringVar(&opts.Product, "product", "", "product description")
	cmd.Flags().StringVar(&opts.Format, "format", "", "video format")
	cmd.Flags().StringVar(&opts.ScriptType, "script-type", "", "script type")
	cmd.Flags().StringVar(&opts.UsageRights, "usage-rights", "", "rights and usage terms")
	cmd.Flags().Float64Var(&opts.Budget, "budget", 0, "budget amount")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("brand")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Pipeline", "Creator", "Budget"})
				for _, m := range missions {
					creator := ""
					if m.CreatorID != nil {
						creator = *m.CreatorID
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Pipeline, creator, m.Budget})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.BrandID, "brand", "", "brand filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with its ledger, contracts and invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.MissionView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				m := v.Mission
				fmt.Printf("Mission: %s - %s (%s, %s pipeline)\n", m.ID, m.Title, m.Status, m.Pipeline)
				fmt.Printf("Script: %s  Revisions used: %d/%d\n", m.ScriptStatus, m.RevisionsUsed, domain.MaxBrandRevisions)
				if v.CurrentIndex < 0 {
					fmt.Println("Position: (no steps completed)")
				} else {
					fmt.Printf("Position: %d (%s)\n", v.CurrentIndex, v.CurrentStep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Role", "Completed at"})
				done := map[string]string{}
				for _, s := range v.Steps {
					done[s.Step] = s.CompletedAt
				}
				for i, def := range workflow.Steps(m.Pipeline) {
					tw.AppendRow(table.Row{i, def.Label, def.Role, done[def.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.CancelMission(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{Use: "step", Short: "Work the step ledger"}
	s.AddCommand(stepCompleteCmd())
	s.AddCommand(stepListCmd())
	return s
}

func stepCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <mission-id> <step>",
		Short: "Record a step completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				res, err := e.CompleteStep(ctx, engine.CompleteStepOptions{
					MissionID: args[0],
					Step:      args[1],
					Role:      role,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Inserted {
					fmt.Printf("Completed %s (position %d)\n", res.Step, res.CurrentIndex)
				} else {
					fmt.Printf("%s already completed (position %d)\n", res.Step, res.CurrentIndex)
				}
				if res.Invoice != nil {
					fmt.Printf("Invoice %s generated for %.2f\n", res.Invoice.Number, res.Invoice.Amount)
				}
				return nil
			})
		},
	}
	return cmd
}

func stepListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.Repo.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(steps)
			})
		},
	}
	return cmd
}

func creatorsCmd() *cobra.Command {
	c := &cobra.Command{Use: "creators", Short: "Manage creator selection"}
	c.AddCommand(creatorsProposeCmd())
	c.AddCommand(creatorsAssignCmd())
	c.AddCommand(creatorsListCmd())
	return c
}

func creatorsProposeCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "propose <mission-id>",
		Short: "Propose candidate creators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				apps, err := e.ProposeCreators(ctx, args[0], ids, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(apps)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "creator", nil, "creator id (repeatable)")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func creatorsAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <mission-id> <creator-id>",
		Short: "Select a proposed creator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.AssignCreator(ctx, args[0], args[1], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func creatorsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List creator applications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				apps, err := e.Repo.ListApplications(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(apps)
			})
		},
	}
	return cmd
}

func scriptCmd() *cobra.Command {
	s := &cobra.Command{Use: "script", Short: "Work the script sub-state"}
	s.AddCommand(scriptSaveCmd())
	s.AddCommand(scriptSendCmd())
	s.AddCommand(scriptApproveCmd())
	s.AddCommand(scriptFeedbackCmd())
	return s
}

func scriptFeedbackCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "feedback <mission-id>",
		Short: "Record brand feedback on the submitted script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				a, err := e.RecordScriptFeedback(ctx, args[0], text, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func scriptSaveCmd() *cobra.Command {
	var content, file string
	var validated bool
	cmd := &cobra.Command{
		Use:   "save <mission-id>",
		Short: "Save script content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.SaveScript(ctx, args[0], content, validated, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "script text")
	cmd.Flags().StringVar(&file, "file", "", "read script text from file")
	cmd.Flags().BoolVar(&validated, "validated", false, "mark the script validated")
	return cmd
}

func scriptSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <mission-id>",
		Short: "Send the validated script to the brand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.SendScriptToBrand(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func scriptApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Approve the reviewed script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.ApproveScript(ctx, args[0], role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func videoCmd() *cobra.Command {
	v := &cobra.Command{Use: "video", Short: "Manage the delivered video"}
	v.AddCommand(videoAttachCmd())
	v.AddCommand(videoQCCmd())
	v.AddCommand(videoFinalCmd())
	return v
}

func videoFinalCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "final <mission-id>",
		Short: "Record the brand's final feedback on the delivered video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				a, err := e.RecordBrandFinalFeedback(ctx, args[0], text, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func videoAttachCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "attach <mission-id>",
		Short: "Attach the delivered video reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.AttachVideo(ctx, args[0], ref, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "video reference (url or storage key)")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func videoQCCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "qc <mission-id>",
		Short: "Record quality-control feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				a, err := e.RecordQCFeedback(ctx, args[0], text, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "feedback text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func clarifyCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "clarify <mission-id>",
		Short: "Request a brief clarification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				a, err := e.RequestClarification(ctx, args[0], text, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "clarification text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func revisionCmd() *cobra.Command {
	r := &cobra.Command{Use: "revision", Short: "Brand revision requests"}
	r.AddCommand(revisionRequestCmd())
	r.AddCommand(revisionListCmd())
	return r
}

func revisionRequestCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "request <mission-id>",
		Short: "Request a revision on the delivered video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineRole(cmd.Context(), func(ctx context.Context, e engine.Engine, role domain.Role) error {
				m, err := e.RecordBrandRevisionRequest(ctx, args[0], text, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Revision recorded: %d/%d used\n", m.RevisionsUsed, domain.MaxBrandRevisions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "revision feedback")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func revisionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <mission-id>",
		Short: "List revision feedback, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Annotations(ctx, args[0], domain.AnnotationBrandRevision)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractSignCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractPreviewCmd())
	return c
}

func contractFlags(cmd *cobra.Command, opts *contract.CreateOptions, variant *string) {
	cmd.Flags().StringVar(variant, "variant", "", "contract variant (direct, mandate)")
	cmd.Flags().StringVar(&opts.Key, "application", "", "application id (direct contracts)")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "agreed amount")
	cmd.Flags().StringVar(&opts.InitiatorAddr, "addr", "", "initiator network address")
	cmd.Flags().StringVar(&opts.BrandParty.Name, "brand-name", "", "brand party name")
	cmd.Flags().StringVar(&opts.BrandParty.Address, "brand-address", "", "brand party address")
	cmd.Flags().StringVar(&opts.BrandParty.Contact, "brand-contact", "", "brand party contact")
	cmd.Flags().StringVar(&opts.CreatorParty.Name, "creator-name", "", "creator party name")
	cmd.Flags().StringVar(&opts.CreatorParty.Address, "creator-address", "", "creator party address")
	cmd.Flags().StringVar(&opts.CreatorParty.Contact, "creator-contact", "", "creator party contact")
	_ = cmd.MarkFlagRequired("variant")
	_ = cmd.MarkFlagRequired("mission")
}

func contractCreateCmd() *cobra.Command {
	var opts contract.CreateOptions
	var variant string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contract and open its signature window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, e engine.Engine, cs contract.Service, role domain.Role) error {
				opts.Variant = domain.ContractVariant(variant)
				opts.InitiatorRole = role
				opts.ActorID = viper.GetString("actor-id")
				c, err := cs.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	contractFlags(cmd, &opts, &variant)
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func contractPreviewCmd() *cobra.Command {
	var opts contract.CreateOptions
	var variant string
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render contract text without persisting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, e engine.Engine, cs contract.Service, role domain.Role) error {
				opts.Variant = domain.ContractVariant(variant)
				opts.InitiatorRole = role
				opts.ActorID = viper.GetString("actor-id")
				text, err := cs.Preview(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	}
	contractFlags(cmd, &opts, &variant)
	return cmd
}

func contractSignCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sign <variant> <key>",
		Short: "Counter-sign a pending contract",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, e engine.Engine, cs contract.Service, role domain.Role) error {
				c, err := cs.Sign(ctx, domain.ContractVariant(args[0]), args[1], role, addr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "signer network address")
	return cmd
}

func contractShowCmd() *cobra.Command {
	var text bool
	cmd := &cobra.Command{
		Use:   "show <variant> <key>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContract(ctx, domain.ContractVariant(args[0]), args[1])
				if err != nil {
					return err
				}
				if text {
					fmt.Println(c.Text)
					return nil
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&text, "text", false, "print the frozen contract text")
	return cmd
}

func invoiceCmd() *cobra.Command {
	i := &cobra.Command{Use: "invoice", Short: "Mission invoices"}
	i.AddCommand(invoiceGenerateCmd())
	i.AddCommand(invoiceShowCmd())
	i.AddCommand(invoiceRenderCmd())
	return i
}

func invoiceGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <mission-id>",
		Short: "Generate the mission invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.Invoices.Generate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	return cmd
}

func invoiceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show the mission invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.Invoices.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	return cmd
}

func invoiceRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <mission-id>",
		Short: "Print the invoice document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text, err := e.Invoices.RenderText(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: operator identity, default pipeline, strict ordering, billing terms. It lives in missionline.yml and is mirrored into the DB.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var operatorID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(operatorID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&operatorID, "operator", "operator-local", "operator id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the workspace DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML config file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: missions, steps, contracts, invoices.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var missionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, missionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	k := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	k.AddCommand(keysCreateCmd())
	k.AddCommand(keysListCmd())
	k.AddCommand(keysDeleteCmd())
	return k
}

func keysCreateCmd() *cobra.Command {
	var actorID, role, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRoleFlag(role)
			if err != nil {
				return err
			}
			if key == "" {
				key = uuid.NewString()
			}
			return withRepo(cmd.Context(), func(ctx context.Context, rp repo.Repo) error {
				k := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Role:    r,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := rp.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"role":     string(k.Role),
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "key-role", "", "workflow role for this key")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "key value (generated when empty)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("key-role")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			cs := contract.NewService(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("MISSIONLINE_JWT_SECRET"),
				AllowDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Contracts: cs, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev login route")
	return cmd
}

// --- helpers ---

func parseRoleFlag(raw string) (domain.Role, error) {
	switch domain.Role(raw) {
	case domain.RoleBrand, domain.RoleOperator, domain.RoleCreator:
		return domain.Role(raw), nil
	default:
		return "", fmt.Errorf("unknown role %q (brand, operator, creator)", raw)
	}
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
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withEngineRole(ctx context.Context, fn func(context.Context, engine.Engine, domain.Role) error) error {
	role, err := parseRoleFlag(viper.GetString("role"))
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, role)
	})
}

func withServices(ctx context.Context, fn func(context.Context, engine.Engine, contract.Service, domain.Role) error) error {
	role, err := parseRoleFlag(viper.GetString("role"))
	if err != nil {
		return err
	}
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg), contract.NewService(conn, cfg), role)
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
